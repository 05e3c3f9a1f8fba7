package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"grading-queue/internal/config"
	"grading-queue/internal/models"
)

func TestLocalArchiverWritesOutcome(t *testing.T) {
	dir := t.TempDir()
	a := NewLocal(dir)
	outcome := models.GradingOutcome{
		TotalScore: 7,
		MaxScore:   10,
		GradedAt:   time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}

	path, err := a.Archive(context.Background(), "res-1", outcome)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	want := filepath.Join(dir, "results", "2024", "05", "02", "res-1.json")
	if path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		ResultID   string  `json:"resultId"`
		TotalScore float64 `json:"totalScore"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ResultID != "res-1" || got.TotalScore != 7 {
		t.Fatalf("unexpected archive body: %s", raw)
	}
}

func TestObjectKeyStaysInsideBase(t *testing.T) {
	key := objectKey("../../etc/passwd", models.GradingOutcome{})
	if strings.Contains(key, "..") || !strings.HasPrefix(key, "results/") {
		t.Fatalf("unsafe key %q", key)
	}
}

func TestNewDisabledWithoutTarget(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a != nil {
		t.Fatalf("expected archiving disabled, got %T", a)
	}

	a, err = New(context.Background(), config.Config{ArchiveDir: t.TempDir()})
	if err != nil || a == nil {
		t.Fatalf("expected local archiver, got %v %v", a, err)
	}
}
