package progress

import "grading-queue/internal/models"

// Summary is the rolled-up state of an upload session.
type Summary struct {
	Status          models.FileStatus `json:"status"`
	TotalFiles      int               `json:"totalFiles"`
	CompletedFiles  int               `json:"completedFiles"`
	FailedFiles     int               `json:"failedFiles"`
	TotalBytes      int64             `json:"totalBytes"`
	UploadedBytes   int64             `json:"uploadedBytes"`
	OverallProgress int               `json:"overallProgress"`
}

// Aggregate weights progress by bytes. Any failed file makes the session
// failed; otherwise it is successful only once every file is.
func Aggregate(files []models.FileProgress) Summary {
	s := Summary{Status: models.FileUploading, TotalFiles: len(files)}
	for _, f := range files {
		s.TotalBytes += f.TotalBytes
		s.UploadedBytes += f.UploadedBytes
		switch f.Status {
		case models.FileSuccess:
			s.CompletedFiles++
		case models.FileError:
			s.FailedFiles++
		}
	}
	s.OverallProgress = percent(s.UploadedBytes, s.TotalBytes)
	switch {
	case s.FailedFiles > 0:
		s.Status = models.FileError
	case s.TotalFiles > 0 && s.CompletedFiles == s.TotalFiles:
		s.Status = models.FileSuccess
		s.OverallProgress = 100
	}
	return s
}
