package models

import "time"

// Phase is a coarse step of a grading task.
type Phase string

const (
	PhaseCheck     Phase = "check"
	PhaseParsing   Phase = "parsing"
	PhaseModelling Phase = "modelling"
	PhaseScoring   Phase = "scoring"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

var phaseRank = map[Phase]int{
	PhaseCheck:     0,
	PhaseParsing:   1,
	PhaseModelling: 2,
	PhaseScoring:   3,
	PhaseComplete:  4,
	PhaseFailed:    4,
}

// Rank orders phases; an unknown phase ranks -1.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// ProgressRecord is the advisory status of one task.
type ProgressRecord struct {
	TaskID     string    `json:"taskId"`
	Phase      Phase     `json:"phase"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	TotalUnits int       `json:"totalUnits,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// FileStatus is the upload state of a single file.
type FileStatus string

const (
	FileUploading FileStatus = "uploading"
	FileSuccess   FileStatus = "success"
	FileError     FileStatus = "error"
)

// FileProgress tracks one file of an upload session.
type FileProgress struct {
	Status        FileStatus `json:"status"`
	Progress      int        `json:"progress"`
	Error         string     `json:"error,omitempty"`
	UploadedBytes int64      `json:"uploadedBytes"`
	TotalBytes    int64      `json:"totalBytes"`
	StartTime     int64      `json:"startTime"`
	UpdatedAt     int64      `json:"updatedAt"`
}
