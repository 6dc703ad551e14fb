package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/robfig/cron/v3"

	"gwics/internal/attach"
	"gwics/internal/ical"
	appLog "gwics/internal/log"
	"gwics/internal/model"
	"gwics/internal/snapshot"
	"gwics/internal/source"
)

// Publisher receives the result of every successful run.
type Publisher interface {
	Publish(calendar []byte, summary model.DiffSummary)
}

// RunnerConfig holds the settings of a Runner.
type RunnerConfig struct {
	// Output is the file the serialized calendar is written to; its previous
	// content is the origin of the diff.
	Output           string
	ProductID        string
	RecordIDProperty string
	Location         *time.Location
	Now              func() time.Time
}

// Report describes one run.
type Report struct {
	Events  int
	Summary model.DiffSummary
}

// Runner runs the export pipeline, once or on a cron schedule.
type Runner struct {
	src       source.MessageSource
	store     *attach.Store
	loader    *snapshot.Loader
	cfg       RunnerConfig
	publisher Publisher

	mu sync.Mutex
}

// NewRunner wires a Runner. publisher may be nil.
func NewRunner(src source.MessageSource, store *attach.Store, loader *snapshot.Loader, cfg RunnerConfig, publisher Publisher) *Runner {
	return &Runner{
		src:       src,
		store:     store,
		loader:    loader,
		cfg:       cfg,
		publisher: publisher,
	}
}

// RunOnce collects all messages, diffs the result against the previous
// output, verifies the new text and replaces the output file. Concurrent
// calls are serialized.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()

	collected, err := Collect(ctx, r.src, Options{
		WriteAttachment:  r.store.Write,
		RecordIDProperty: r.cfg.RecordIDProperty,
		Location:         r.cfg.Location,
		Now:              r.cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	text := collected.Calendar.WireText(r.cfg.ProductID)

	previous := r.previous(ctx)
	summary := previous.Diff(collected.Calendar).Summary()
	appLog.Info("export: diff against previous output",
		"changed", len(summary.Changed),
		"removed", len(summary.Removed),
		"added", len(summary.Added),
		"unchanged", len(summary.Unchanged),
	)

	n, err := snapshot.Verify(text)
	if err != nil {
		return nil, err
	}
	if n != len(collected.Calendar.Events) {
		return nil, fmt.Errorf("export: verification saw %d events, expected %d", n, len(collected.Calendar.Events))
	}

	if err := writeOutput(r.cfg.Output, []byte(text)); err != nil {
		return nil, err
	}

	if r.publisher != nil {
		r.publisher.Publish([]byte(text), summary)
	}

	appLog.Info("export: run finished",
		"output", r.cfg.Output,
		"events", len(collected.Calendar.Events),
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	)
	return &Report{Events: len(collected.Calendar.Events), Summary: summary}, nil
}

// previous loads the last written output. A missing or unreadable file is
// an empty origin, so the first run reports every event as added.
func (r *Runner) previous(ctx context.Context) *ical.Calendar {
	res, err := r.loader.Load(ctx, r.cfg.Output)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("export: previous output unreadable; diffing against empty calendar", "error", err.Error())
		}
		return &ical.Calendar{}
	}

	cal, err := ical.Parse(res.Body, ical.ParseOptions{
		RecordIDProperty: r.cfg.RecordIDProperty,
		Location:         r.cfg.Location,
		Now:              r.cfg.Now,
	})
	if err != nil {
		appLog.Warn("export: previous output does not parse; diffing against empty calendar", "error", err.Error())
		return &ical.Calendar{}
	}
	return cal
}

func writeOutput(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: create output directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("export: write output: %w", err)
	}
	return nil
}

// Start runs one export immediately, then on every tick of schedule until ctx
// is canceled. Ticks that fire while a run is still going are skipped.
func (r *Runner) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	job := func() {
		if _, err := r.RunOnce(ctx); err != nil {
			appLog.Error("export: scheduled run failed", err)
		}
	}
	if _, err := c.AddFunc(schedule, job); err != nil {
		return fmt.Errorf("export: invalid schedule %q: %w", schedule, err)
	}

	job()

	c.Start()
	appLog.Info("export scheduler started", "refresh", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("export scheduler stopped")
	return nil
}
