// Package pipeline runs one mailbox through listing, metadata fetch and
// aggregation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/joshsymonds/inboxstat/internal/aggregate"
	"github.com/joshsymonds/inboxstat/internal/fetch"
	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/progress"
	"github.com/joshsymonds/inboxstat/internal/record"
)

// MaxWorkers bounds the background step pool.
const MaxWorkers = 4

// Cache stores the records of an account for one mailbox state.
type Cache interface {
	Load(ctx context.Context, account, state string) ([]record.MessageRecord, bool, error)
	Save(ctx context.Context, account, state string, records []record.MessageRecord) error
}

// Options controls a single run.
type Options struct {
	TopN    int
	Account string
}

// Pipeline wires a mail client to the fetchers and the aggregator.
type Pipeline struct {
	Client   mailbox.Client
	Cache    Cache
	Progress *progress.Indicator
	Logger   *slog.Logger
	Workers  int
}

// Result is the outcome of Run.
type Result struct {
	RunID      string                     `json:"run_id"`
	Analysis   aggregate.Result           `json:"analysis"`
	Failures   []record.FetchFailure      `json:"failures"`
	Duplicates int                        `json:"duplicates"`
	FromCache  bool                       `json:"from_cache"`
	Labels     map[mailbox.LabelID]string `json:"-"`
}

// New returns a Pipeline with a stderr logger and the full worker pool.
func New(client mailbox.Client, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Pipeline{Client: client, Logger: logger, Workers: MaxWorkers}
}

// Run lists the mailbox, fetches metadata for every message and aggregates
// the result. Listing errors are fatal; per-message failures are returned
// in Result.Failures.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	logger := p.logger().With(slog.String("run_id", res.RunID))
	sem := semaphore.NewWeighted(int64(p.workers()))

	state := p.state(ctx, logger)
	records, hit := p.loadCache(ctx, logger, opts.Account, state)
	if hit {
		res.FromCache = true
	} else {
		var err error
		records, err = p.fetch(ctx, sem, logger, &res)
		if err != nil {
			return Result{}, err
		}
		p.saveCache(ctx, logger, opts.Account, state, records, len(res.Failures))
	}

	res.Labels = p.labelNames(ctx, logger)

	err := p.step(ctx, sem, "aggregating", func(task *progress.Task) error {
		var err error
		res.Analysis, err = aggregate.Analyze(ctx, records, aggregate.Options{
			TopN:       opts.TopN,
			LabelNames: res.Labels,
		})
		task.Set(len(records), len(records))
		return err
	})
	if err != nil {
		return Result{}, err
	}
	logger.Info("run complete",
		slog.Int("records", len(records)),
		slog.Int("failures", len(res.Failures)),
		slog.Int("duplicates", res.Duplicates),
		slog.Bool("from_cache", res.FromCache),
	)
	return res, nil
}

func (p *Pipeline) fetch(
	ctx context.Context,
	sem *semaphore.Weighted,
	logger *slog.Logger,
	res *Result,
) ([]record.MessageRecord, error) {
	var refs []mailbox.MessageRef
	err := p.step(ctx, sem, "listing messages", func(task *progress.Task) error {
		lister := &fetch.PageFetcher{
			Client: p.Client,
			Logger: logger,
			OnPage: func(pp fetch.PageProgress) { task.Set(pp.Items, pp.Estimate) },
		}
		var err error
		refs, err = lister.ListAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	refs, res.Duplicates = dedupe(refs)
	logger.Info("listed messages", slog.Int("count", len(refs)), slog.Int("duplicates", res.Duplicates))

	store := record.NewStore()
	err = p.step(ctx, sem, "fetching metadata", func(task *progress.Task) error {
		task.Set(0, len(refs))
		batcher := &fetch.BatchFetcher{
			Client:     p.Client,
			Store:      store,
			Logger:     logger,
			OnProgress: task.Set,
		}
		return batcher.FetchAll(ctx, refs)
	})
	if err != nil {
		return nil, err
	}

	records, dropped := store.Snapshot()
	res.Duplicates += dropped
	res.Failures = store.Failures()
	if len(res.Failures) > 0 {
		logger.Warn("some messages could not be fetched", slog.Int("failures", len(res.Failures)))
	}
	return records, nil
}

// step runs fn on a pooled goroutine and blocks on its completion signal
// while the indicator redraws.
func (p *Pipeline) step(
	ctx context.Context,
	sem *semaphore.Weighted,
	name string,
	fn func(task *progress.Task) error,
) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	task := progress.NewTask(name)
	done := make(chan error, 1)
	go func() {
		defer sem.Release(1)
		done <- fn(task)
	}()
	return p.Progress.Wait(task, done)
}

func (p *Pipeline) state(ctx context.Context, logger *slog.Logger) string {
	if p.Cache == nil {
		return ""
	}
	state, err := p.Client.State(ctx)
	if err != nil {
		logger.Warn("mailbox state unavailable, cache bypassed", slog.Any("error", err))
		return ""
	}
	return state
}

func (p *Pipeline) loadCache(
	ctx context.Context,
	logger *slog.Logger,
	account, state string,
) ([]record.MessageRecord, bool) {
	if p.Cache == nil || state == "" {
		return nil, false
	}
	records, ok, err := p.Cache.Load(ctx, account, state)
	if err != nil {
		logger.Warn("cache load failed", slog.Any("error", err))
		return nil, false
	}
	if ok {
		logger.Info("using cached records", slog.Int("records", len(records)), slog.String("state", state))
	}
	return records, ok
}

func (p *Pipeline) saveCache(
	ctx context.Context,
	logger *slog.Logger,
	account, state string,
	records []record.MessageRecord,
	failures int,
) {
	if p.Cache == nil || state == "" {
		return
	}
	if failures > 0 {
		logger.Debug("cache not updated, run had failures", slog.Int("failures", failures))
		return
	}
	if err := p.Cache.Save(ctx, account, state, records); err != nil {
		logger.Warn("cache save failed", slog.Any("error", err))
	}
}

func (p *Pipeline) labelNames(ctx context.Context, logger *slog.Logger) map[mailbox.LabelID]string {
	lister, ok := p.Client.(mailbox.LabelLister)
	if !ok {
		return nil
	}
	names, err := lister.ListLabels(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("label names unavailable", slog.Any("error", err))
		}
		return nil
	}
	return names
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return p.Logger
}

func (p *Pipeline) workers() int {
	if p.Workers <= 0 || p.Workers > MaxWorkers {
		return MaxWorkers
	}
	return p.Workers
}

// dedupe drops repeated ids, keeping the first occurrence.
func dedupe(refs []mailbox.MessageRef) ([]mailbox.MessageRef, int) {
	seen := make(map[mailbox.MessageID]struct{}, len(refs))
	out := make([]mailbox.MessageRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	return out, len(refs) - len(out)
}
