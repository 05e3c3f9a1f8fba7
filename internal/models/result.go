package models

import "time"

// GradingInput is everything the grader needs for one result.
type GradingInput struct {
	ResultID    string `json:"resultId"`
	UserID      string `json:"userId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
	Rubric      string `json:"rubric"`
	Language    string `json:"language,omitempty"`
}

// CriterionScore is the score for one rubric criterion.
type CriterionScore struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"maxScore"`
	Comment   string  `json:"comment,omitempty"`
}

// Usage reports model token consumption.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// GradingOutcome is the result of a successful grading call.
type GradingOutcome struct {
	Breakdown  []CriterionScore `json:"breakdown"`
	TotalScore float64          `json:"totalScore"`
	MaxScore   float64          `json:"maxScore"`
	Feedback   string           `json:"feedback"`
	Usage      Usage            `json:"usage"`
	GradedAt   time.Time        `json:"gradedAt"`
}

// JobMetadata resolves a job payload to human readable entities.
type JobMetadata struct {
	OwnerID        string `json:"ownerId"`
	OwnerName      string `json:"ownerName"`
	OwnerEmail     string `json:"ownerEmail"`
	AssignmentID   string `json:"assignmentId"`
	AssignmentName string `json:"assignmentName"`
	FileName       string `json:"fileName"`
}
