package catalog_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jabeka/CollectionRecorder/internal/catalog"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
	"github.com/jabeka/CollectionRecorder/internal/segment"
)

func mustOpen(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testInfo(seq int) segment.Info {
	return segment.Info{
		ID:       uuid.NewString(),
		Path:     filepath.Join("/rec", fmt.Sprintf("Tune %d.wav", seq)),
		Sequence: seq,
		Format:   codec.Format{Codec: "wav", SampleRate: 48000, BitDepth: 24, Channels: 2},
		Opened:   time.Now().Add(time.Duration(seq) * time.Second),
	}
}

func TestSegmentLifecycle(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()

	info := testInfo(1)
	if err := store.SegmentOpened(ctx, "session-1", info); err != nil {
		t.Fatalf("SegmentOpened failed: %v", err)
	}

	seg, err := store.Get(ctx, info.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if seg == nil || seg.Status != catalog.StatusRecording {
		t.Fatalf("unexpected segment after open: %#v", seg)
	}
	if seg.Rate != 48000 || seg.BitDepth != 24 || seg.Channels != 2 || seg.SessionID != "session-1" {
		t.Errorf("unexpected format columns: %#v", seg)
	}

	info.Frames = 96000
	info.Dropped = 12
	info.Closed = time.Now()
	if err := store.SegmentClosed(ctx, info, catalog.StatusFinished, nil); err != nil {
		t.Fatalf("SegmentClosed failed: %v", err)
	}

	seg, err = store.Get(ctx, info.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if seg.Status != catalog.StatusFinished || seg.Frames != 96000 || seg.Dropped != 12 {
		t.Errorf("unexpected segment after close: %#v", seg)
	}
	if seg.Duration() != 2*time.Second {
		t.Errorf("expected 2s duration, got %v", seg.Duration())
	}
	if seg.ClosedAt.IsZero() {
		t.Error("expected closed_at to be set")
	}

	report := postprocess.Report{
		JobID:     uuid.NewString(),
		SegmentID: info.ID,
		Path:      info.Path,
		Stages: []postprocess.StageReport{
			{Stage: "normalize", Result: postprocess.Result{Changed: true, Frames: 96000}},
			{Stage: "trim", Result: postprocess.Result{Changed: true, Frames: 90000}},
		},
		Frames:   90000,
		Duration: 150 * time.Millisecond,
	}
	if err := store.JobCompleted(ctx, report); err != nil {
		t.Fatalf("JobCompleted failed: %v", err)
	}

	seg, _ = store.Get(ctx, info.ID)
	if seg.Status != catalog.StatusProcessed || seg.Frames != 90000 {
		t.Errorf("expected processed with 90000 frames, got %s with %d", seg.Status, seg.Frames)
	}

	jobs, err := store.Jobs(ctx, info.ID)
	if err != nil {
		t.Fatalf("Jobs failed: %v", err)
	}
	if len(jobs) != 1 || len(jobs[0].Stages) != 2 || jobs[0].Stages[1].Stage != "trim" {
		t.Fatalf("unexpected jobs: %#v", jobs)
	}
	if jobs[0].Duration != 150*time.Millisecond {
		t.Errorf("expected 150ms job duration, got %v", jobs[0].Duration)
	}
}

func TestJobOutcomes(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		report   postprocess.Report
		expected catalog.Status
	}{
		{"deleted", postprocess.Report{Deleted: true}, catalog.StatusDeleted},
		{"failed", postprocess.Report{Failed: true}, catalog.StatusProcessFailed},
		{"processed", postprocess.Report{}, catalog.StatusProcessed},
	}

	for i, tc := range cases {
		info := testInfo(i + 1)
		if err := store.SegmentOpened(ctx, "s", info); err != nil {
			t.Fatalf("SegmentOpened failed: %v", err)
		}
		tc.report.JobID = uuid.NewString()
		tc.report.SegmentID = info.ID
		tc.report.Path = info.Path
		if err := store.JobCompleted(ctx, tc.report); err != nil {
			t.Fatalf("%s: JobCompleted failed: %v", tc.name, err)
		}
		seg, _ := store.Get(ctx, info.ID)
		if seg.Status != tc.expected {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.expected, seg.Status)
		}
	}

	// Offline jobs have no segment
	if err := store.JobCompleted(ctx, postprocess.Report{JobID: uuid.NewString(), Path: "/tmp/x.wav"}); err != nil {
		t.Errorf("JobCompleted without segment failed: %v", err)
	}
}

func TestListAndCounts(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()

	for seq := 1; seq <= 4; seq++ {
		info := testInfo(seq)
		if err := store.SegmentOpened(ctx, "s", info); err != nil {
			t.Fatalf("SegmentOpened failed: %v", err)
		}
		status := catalog.StatusFinished
		if seq%2 == 0 {
			status = catalog.StatusDiscarded
		}
		if err := store.SegmentClosed(ctx, info, status, nil); err != nil {
			t.Fatalf("SegmentClosed failed: %v", err)
		}
	}

	all, err := store.List(ctx, catalog.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 segments, got %d", len(all))
	}
	if all[0].Sequence != 4 {
		t.Errorf("expected newest first, got sequence %d", all[0].Sequence)
	}

	finished, err := store.List(ctx, catalog.ListOptions{Status: catalog.StatusFinished, Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(finished) != 1 || finished[0].Sequence != 3 {
		t.Errorf("unexpected filtered list: %#v", finished)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[catalog.StatusFinished] != 2 || counts[catalog.StatusDiscarded] != 2 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestSegmentClosedUnknown(t *testing.T) {
	store := mustOpen(t)
	if err := store.SegmentClosed(context.Background(), testInfo(1), catalog.StatusFailed, errors.New("disk full")); err == nil {
		t.Error("expected error for unknown segment")
	}
}

func TestMarkInterrupted(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()

	info := testInfo(1)
	if err := store.SegmentOpened(ctx, "s", info); err != nil {
		t.Fatalf("SegmentOpened failed: %v", err)
	}

	n, err := store.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 interrupted segment, got %d", n)
	}

	seg, _ := store.Get(ctx, info.ID)
	if seg.Status != catalog.StatusFailed || seg.Error == "" {
		t.Errorf("unexpected segment: %#v", seg)
	}
}

func TestGetMissing(t *testing.T) {
	store := mustOpen(t)
	seg, err := store.Get(context.Background(), "missing")
	if err != nil || seg != nil {
		t.Errorf("expected nil, nil for missing segment, got %#v, %v", seg, err)
	}
}

func TestSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("update version failed: %v", err)
	}
	db.Close()

	if _, err := catalog.Open(path); !errors.Is(err, catalog.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
