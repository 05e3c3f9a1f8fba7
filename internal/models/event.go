package models

import (
	"encoding/json"
	"time"
)

// Event names emitted to real-time rooms.
const (
	EventGradingProgress        = "grading-progress"
	EventGradingCompleted       = "grading-completed"
	EventGradingFailed          = "grading-failed"
	EventSubmissionNotification = "submission-notification"
	EventAssignmentNotification = "assignment-notification"
	EventNewMessage             = "new-msg"
)

// Event is a transient notification addressed to one or more rooms.
type Event struct {
	Name      string          `json:"event"`
	Rooms     []string        `json:"rooms"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserRoom is the room every connection of one user joins.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ChatRoom is the room for one chat.
func ChatRoom(chatID string) string {
	return "chat:" + chatID
}
