package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"grading-queue/internal/models"
)

// Relay forwards events from Redis channels into hub rooms.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewRelay builds a relay for hub.
func NewRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, hub: hub, logger: logger, now: time.Now}
}

// Run subscribes to every channel and relays until ctx is done. The ready
// channel, if not nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	ps := r.client.Subscribe(ctx, Channels...)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channels: %w", err)
	}
	r.logger.Info("relay subscribed", "channels", Channels)
	if ready != nil {
		close(ready)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			events, err := Route(msg.Channel, []byte(msg.Payload), r.now())
			if err != nil {
				r.logger.Error("relay message rejected", "channel", msg.Channel, "err", err)
				continue
			}
			for _, ev := range events {
				r.hub.Publish(ev)
			}
		}
	}
}

// Route turns one channel message into room events. Messages that carry
// nothing to deliver return no events and no error.
func Route(channel string, payload []byte, now time.Time) ([]models.Event, error) {
	ts := now.UTC()
	switch channel {
	case ChannelGrading:
		var ev GradingEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode grading event: %w", err)
		}
		if ev.UserID == "" {
			return nil, fmt.Errorf("grading event %s has no user", ev.JobID)
		}
		name := models.EventGradingProgress
		switch ev.Type {
		case GradingCompleted:
			name = models.EventGradingCompleted
		case GradingFailed:
			name = models.EventGradingFailed
		}
		return []models.Event{{Name: name, Rooms: []string{models.UserRoom(ev.UserID)}, Payload: payload, Timestamp: ts}}, nil

	case ChannelChat:
		var ev ChatEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode chat event: %w", err)
		}
		switch ev.Type {
		case ChatMessageCreated, ChatAIResponseGenerated:
			if len(ev.Data) == 0 || string(ev.Data) == "null" {
				return nil, fmt.Errorf("chat event %s carries no message data", ev.MessageID)
			}
			return []models.Event{{Name: models.EventNewMessage, Rooms: []string{models.ChatRoom(ev.ChatID)}, Payload: ev.Data, Timestamp: ts}}, nil
		case ChatAIResponseNeeded:
			return nil, nil
		default:
			return nil, fmt.Errorf("unknown chat event type %q", ev.Type)
		}

	case ChannelAssignment:
		var ev AssignmentNotification
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode assignment notification: %w", err)
		}
		body, err := json.Marshal(map[string]any{
			"type":           ev.Type,
			"assignmentId":   ev.AssignmentID,
			"assignmentName": ev.AssignmentName,
			"courseId":       ev.CourseID,
			"dueDate":        ev.DueDate,
			"teacherName":    ev.TeacherName,
			"timestamp":      ts.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		rooms := make([]string, 0, len(ev.StudentIDs))
		for _, id := range ev.StudentIDs {
			rooms = append(rooms, models.UserRoom(id))
		}
		if len(rooms) == 0 {
			return nil, nil
		}
		return []models.Event{{Name: models.EventAssignmentNotification, Rooms: rooms, Payload: body, Timestamp: ts}}, nil

	case ChannelSubmission:
		var ev SubmissionNotification
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode submission notification: %w", err)
		}
		if ev.TeacherID == "" {
			return nil, fmt.Errorf("submission %s has no teacher", ev.SubmissionID)
		}
		body, err := json.Marshal(struct {
			SubmissionNotification
			Timestamp string `json:"timestamp"`
		}{ev, ts.Format(time.RFC3339Nano)})
		if err != nil {
			return nil, err
		}
		return []models.Event{{Name: models.EventSubmissionNotification, Rooms: []string{models.UserRoom(ev.TeacherID)}, Payload: body, Timestamp: ts}}, nil
	}
	return nil, fmt.Errorf("unknown channel %q", channel)
}
