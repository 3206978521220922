package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// KeyChecker checks every credential in the pool.
type KeyChecker interface {
	CheckAll(ctx context.Context) int
}

// KeyCheckWorker runs full key-check passes on a cron schedule.
type KeyCheckWorker struct {
	checker  KeyChecker
	schedule cron.Schedule // nil disables periodic passes
	onStart  bool
}

// NewKeyCheckWorker parses schedule (standard five-field cron or a descriptor
// such as "@every 1h"). An empty schedule leaves only the start-up pass.
func NewKeyCheckWorker(checker KeyChecker, schedule string, onStart bool) (*KeyCheckWorker, error) {
	w := &KeyCheckWorker{checker: checker, onStart: onStart}
	if schedule != "" {
		s, err := cron.ParseStandard(schedule)
		if err != nil {
			return nil, fmt.Errorf("worker: key check schedule %q: %w", schedule, err)
		}
		w.schedule = s
	}
	return w, nil
}

// Name returns the worker identifier.
func (w *KeyCheckWorker) Name() string { return "key_checker" }

// Run performs the optional start-up pass, then follows the schedule until
// ctx is cancelled. Overlapping passes are skipped.
func (w *KeyCheckWorker) Run(ctx context.Context) error {
	if w.onStart {
		n := w.checker.CheckAll(ctx)
		slog.LogAttrs(ctx, slog.LevelInfo, "initial key check complete", slog.Int("checked", n))
	}
	if w.schedule == nil {
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(w.schedule, cron.FuncJob(func() {
		w.checker.CheckAll(ctx)
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
