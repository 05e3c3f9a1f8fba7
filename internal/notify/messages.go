package notify

import (
	"encoding/json"
	"time"
)

// Redis channels carrying domain events between processes.
const (
	ChannelGrading    = "grading:progress"
	ChannelSubmission = "notifications:submission"
	ChannelAssignment = "notifications:assignment"
	ChannelChat       = "chat:events"
)

// Channels is every channel the relay listens on.
var Channels = []string{ChannelGrading, ChannelSubmission, ChannelAssignment, ChannelChat}

// Grading event types.
const (
	GradingProgress  = "progress"
	GradingCompleted = "completed"
	GradingFailed    = "failed"
)

// GradingEvent reports a grading job's progress or outcome to its owner.
type GradingEvent struct {
	Type       string   `json:"type"`
	JobID      string   `json:"jobId"`
	ResultID   string   `json:"resultId"`
	UserID     string   `json:"userId"`
	SessionID  string   `json:"sessionId,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Progress   int      `json:"progress"`
	Message    string   `json:"message,omitempty"`
	Error      string   `json:"error,omitempty"`
	TotalScore *float64 `json:"totalScore,omitempty"`
	MaxScore   *float64 `json:"maxScore,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// Chat event types.
const (
	ChatMessageCreated      = "MESSAGE_CREATED"
	ChatAIResponseNeeded    = "AI_RESPONSE_NEEDED"
	ChatAIResponseGenerated = "AI_RESPONSE_GENERATED"
)

// ChatEvent announces a chat message.
type ChatEvent struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chatId"`
	UserID    string          `json:"userId"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// AssignmentNotification tells a course's students about a new assignment.
type AssignmentNotification struct {
	Type           string     `json:"type"`
	CourseID       string     `json:"courseId"`
	AssignmentID   string     `json:"assignmentId"`
	AssignmentName string     `json:"assignmentName"`
	DueDate        *time.Time `json:"dueDate"`
	StudentIDs     []string   `json:"studentIds"`
	TeacherName    string     `json:"teacherName"`
}

// SubmissionNotification tells a teacher about a submission.
type SubmissionNotification struct {
	Type           string  `json:"type"`
	NotificationID *string `json:"notificationId"`
	SubmissionID   string  `json:"submissionId"`
	AssignmentID   string  `json:"assignmentId"`
	AssignmentName string  `json:"assignmentName"`
	CourseID       string  `json:"courseId"`
	CourseName     string  `json:"courseName"`
	StudentID      string  `json:"studentId"`
	StudentName    string  `json:"studentName"`
	TeacherID      string  `json:"teacherId"`
	SubmittedAt    string  `json:"submittedAt"`
}
