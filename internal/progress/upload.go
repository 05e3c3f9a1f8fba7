package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"grading-queue/internal/models"
)

// Uploads tracks per-file progress of multi-file upload sessions. Each
// session is one hash with a JSON value per file name.
type Uploads struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewUploads builds an upload tracker.
func NewUploads(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Uploads {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploads{client: client, prefix: "progress:upload:", ttl: ttl, logger: logger, now: time.Now}
}

func (u *Uploads) key(uploadID string) string { return u.prefix + uploadID }

// FileSpec declares one file of a session.
type FileSpec struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Initialize registers every file at 0%.
func (u *Uploads) Initialize(ctx context.Context, uploadID string, files []FileSpec) error {
	now := u.now().UnixMilli()
	values := make([]interface{}, 0, 2*len(files))
	for _, f := range files {
		raw, err := json.Marshal(models.FileProgress{
			Status:     models.FileUploading,
			TotalBytes: f.Size,
			StartTime:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("encode file progress: %w", err)
		}
		values = append(values, f.Name, string(raw))
	}
	if len(values) == 0 {
		return errors.New("upload session needs at least one file")
	}
	pipe := u.client.TxPipeline()
	pipe.HSet(ctx, u.key(uploadID), values...)
	pipe.PExpire(ctx, u.key(uploadID), u.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("initialize upload %s: %w", uploadID, err)
	}
	return nil
}

// UpdateBytes records how much of a file has arrived.
func (u *Uploads) UpdateBytes(ctx context.Context, uploadID, file string, uploaded, total int64) (models.FileProgress, error) {
	return u.modify(ctx, uploadID, file, func(fp *models.FileProgress) {
		if total > 0 {
			fp.TotalBytes = total
		}
		fp.Status = models.FileUploading
		fp.UploadedBytes = uploaded
		fp.Progress = percent(uploaded, fp.TotalBytes)
	})
}

// CompleteFile marks a file fully uploaded.
func (u *Uploads) CompleteFile(ctx context.Context, uploadID, file string) (models.FileProgress, error) {
	return u.modify(ctx, uploadID, file, func(fp *models.FileProgress) {
		fp.Status = models.FileSuccess
		fp.Progress = 100
		fp.UploadedBytes = fp.TotalBytes
		fp.Error = ""
	})
}

// FailFile marks a file failed with a reason.
func (u *Uploads) FailFile(ctx context.Context, uploadID, file, reason string) (models.FileProgress, error) {
	return u.modify(ctx, uploadID, file, func(fp *models.FileProgress) {
		fp.Status = models.FileError
		fp.Progress = 0
		fp.UploadedBytes = 0
		fp.Error = reason
	})
}

// Get returns every file of the session. Unreadable entries come back as errors rather than being dropped.
func (u *Uploads) Get(ctx context.Context, uploadID string) (map[string]models.FileProgress, error) {
	vals, err := u.client.HGetAll(ctx, u.key(uploadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", uploadID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]models.FileProgress, len(vals))
	for name, raw := range vals {
		var fp models.FileProgress
		if err := json.Unmarshal([]byte(raw), &fp); err != nil {
			u.logger.Warn("corrupt upload progress", "upload_id", uploadID, "file", name, "err", err)
			fp = models.FileProgress{Status: models.FileError, Error: "data corruption"}
		}
		out[name] = fp
	}
	return out, nil
}

// Stats aggregates the session.
func (u *Uploads) Stats(ctx context.Context, uploadID string) (Summary, error) {
	files, err := u.Get(ctx, uploadID)
	if err != nil {
		return Summary{}, err
	}
	list := make([]models.FileProgress, 0, len(files))
	for _, fp := range files {
		list = append(list, fp)
	}
	return Aggregate(list), nil
}

// Cleanup drops the session.
func (u *Uploads) Cleanup(ctx context.Context, uploadID string) error {
	return u.client.Del(ctx, u.key(uploadID), u.metaKey(uploadID)).Err()
}

func (u *Uploads) metaKey(uploadID string) string { return u.prefix + uploadID + ":meta" }

// Session is the grading context shared by every file of an upload.
type Session struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	AssignmentID string `json:"assignmentId,omitempty"`
	Rubric       string `json:"rubric,omitempty"`
	Language     string `json:"language,omitempty"`
}

// SaveSession stores the session context next to the file entries, with the same TTL.
func (u *Uploads) SaveSession(ctx context.Context, uploadID string, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode upload session: %w", err)
	}
	if err := u.client.Set(ctx, u.metaKey(uploadID), raw, u.ttl).Err(); err != nil {
		return fmt.Errorf("save upload session %s: %w", uploadID, err)
	}
	return nil
}

// Session loads what SaveSession stored. Unknown or expired sessions return ErrNotFound.
func (u *Uploads) Session(ctx context.Context, uploadID string) (Session, error) {
	raw, err := u.client.Get(ctx, u.metaKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load upload session %s: %w", uploadID, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode upload session %s: %w", uploadID, err)
	}
	return s, nil
}

// modify applies fn to one file entry under WATCH so concurrent writers to
// other files of the same session do not clobber each other.
func (u *Uploads) modify(ctx context.Context, uploadID, file string, fn func(*models.FileProgress)) (models.FileProgress, error) {
	key := u.key(uploadID)
	var out models.FileProgress
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, file).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var fp models.FileProgress
		if err := json.Unmarshal([]byte(raw), &fp); err != nil {
			fp = models.FileProgress{Status: models.FileUploading}
		}
		fn(&fp)
		fp.UpdatedAt = u.now().UnixMilli()
		encoded, err := json.Marshal(fp)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, file, string(encoded))
			pipe.PExpire(ctx, key, u.ttl)
			return nil
		})
		if err == nil {
			out = fp
		}
		return err
	}
	for i := 0; i < 20; i++ {
		err := u.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.FileProgress{}, fmt.Errorf("update upload %s/%s: %w", uploadID, file, err)
		}
		return out, nil
	}
	return models.FileProgress{}, fmt.Errorf("update upload %s/%s: too much contention", uploadID, file)
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int((done*100 + total/2) / total)
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}
