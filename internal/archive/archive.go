package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"grading-queue/internal/config"
	"grading-queue/internal/models"
)

// Archiver stores a copy of every graded outcome outside the database.
type Archiver interface {
	Archive(ctx context.Context, resultID string, outcome models.GradingOutcome) (string, error)
}

// New picks an archiver from config: S3 when a bucket is set, a local
// directory when ARCHIVE_DIR is set, otherwise nil (archiving disabled).
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Archiver{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// objectKey lays outcomes out by grading date so buckets stay browsable.
func objectKey(resultID string, outcome models.GradingOutcome) string {
	id := sanitizeKey(resultID)
	if outcome.GradedAt.IsZero() {
		return filepath.ToSlash(filepath.Join("results", id+".json"))
	}
	return filepath.ToSlash(filepath.Join("results", outcome.GradedAt.UTC().Format("2006/01/02"), id+".json"))
}

func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "..", "")
	key = strings.ReplaceAll(key, "/", "_")
	key = strings.ReplaceAll(key, string(filepath.Separator), "_")
	if key == "" {
		key = "unnamed"
	}
	return key
}

func encode(resultID string, outcome models.GradingOutcome) ([]byte, error) {
	body, err := json.MarshalIndent(struct {
		ResultID string `json:"resultId"`
		models.GradingOutcome
	}{resultID, outcome}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal outcome: %w", err)
	}
	return body, nil
}

// LocalArchiver writes outcomes under a base directory.
type LocalArchiver struct {
	baseDir string
}

func NewLocal(baseDir string) *LocalArchiver {
	return &LocalArchiver{baseDir: baseDir}
}

func (l *LocalArchiver) Archive(_ context.Context, resultID string, outcome models.GradingOutcome) (string, error) {
	body, err := encode(resultID, outcome)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(objectKey(resultID, outcome)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Archiver uploads outcomes to a bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

func (s *S3Archiver) Archive(ctx context.Context, resultID string, outcome models.GradingOutcome) (string, error) {
	body, err := encode(resultID, outcome)
	if err != nil {
		return "", err
	}
	key := objectKey(resultID, outcome)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
