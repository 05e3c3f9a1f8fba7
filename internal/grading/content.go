package grading

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"

	"grading-queue/internal/models"
)

// PrepareContent bounds what is sent to the model. Images larger than maxEdge
// on either side are downscaled; text must be valid UTF-8; anything else is
// passed through untouched.
func PrepareContent(in models.GradingInput, maxEdge int) (models.GradingInput, error) {
	if len(in.Content) == 0 {
		return in, fmt.Errorf("%w: %s is empty", ErrInvalidInput, in.FileName)
	}
	ct := strings.ToLower(in.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return prepareImage(in, maxEdge)
	case strings.HasPrefix(ct, "text/"):
		if !utf8.Valid(in.Content) {
			return in, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidInput, in.FileName)
		}
	}
	return in, nil
}

func prepareImage(in models.GradingInput, maxEdge int) (models.GradingInput, error) {
	img, format, err := image.Decode(bytes.NewReader(in.Content))
	if err != nil {
		return in, fmt.Errorf("%w: decode image %s: %v", ErrInvalidInput, in.FileName, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return in, fmt.Errorf("%w: image %s has no pixels", ErrInvalidInput, in.FileName)
	}
	if maxEdge <= 0 || (b.Dx() <= maxEdge && b.Dy() <= maxEdge) {
		return in, nil
	}

	img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	outputFormat := chooseFormat(format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return in, fmt.Errorf("encode image: %w", err)
	}
	in.Content = buf.Bytes()
	in.ContentType = mimeForFormat(outputFormat)
	return in, nil
}

func chooseFormat(decodeFormat string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
