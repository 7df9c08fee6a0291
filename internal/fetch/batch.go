package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/record"
)

// BatchSize is the mail API's maximum number of sub-requests per batch.
const BatchSize = 250

var (
	errEmptyResponse = errors.New("empty response")
	errNoResponse    = errors.New("no response for message")
)

// BatchFetcher retrieves metadata for message references in fixed-size
// groups and appends the outcome of every id to Store.
type BatchFetcher struct {
	Client mailbox.Client
	Store  *record.Store
	Logger *slog.Logger
	// OnProgress receives the cumulative number of processed ids.
	OnProgress func(processed, total int)
}

// FetchAll processes refs group by group. Individual failures are recorded
// in the store and never stop the fetch; only a batch call error (context
// cancellation) is returned.
func (f *BatchFetcher) FetchAll(ctx context.Context, refs []mailbox.MessageRef) error {
	var processed atomic.Int64
	total := len(refs)
	for start := 0; start < total; start += BatchSize {
		end := min(start+BatchSize, total)
		if err := f.fetchGroup(ctx, refs[start:end], &processed, total); err != nil {
			return err
		}
	}
	return nil
}

func (f *BatchFetcher) fetchGroup(
	ctx context.Context,
	group []mailbox.MessageRef,
	processed *atomic.Int64,
	total int,
) error {
	ids := make([]mailbox.MessageID, len(group))
	pending := make(map[mailbox.MessageID]int, len(group))
	for i, ref := range group {
		ids[i] = ref.ID
		pending[ref.ID]++
	}

	var mu sync.Mutex
	onItem := func(id mailbox.MessageID, payload *mailbox.Payload, cause error) {
		mu.Lock()
		n, ok := pending[id]
		if ok {
			if n == 1 {
				delete(pending, id)
			} else {
				pending[id] = n - 1
			}
		}
		mu.Unlock()
		if !ok {
			f.debug("ignoring unexpected batch item", slog.String("id", string(id)))
			return
		}
		f.handle(id, payload, cause)
		f.progress(int(processed.Add(1)), total)
	}

	if err := f.Client.GetMessageBatch(ctx, ids, onItem); err != nil {
		return fmt.Errorf("fetch batch: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if pending[id] == 0 {
			continue
		}
		pending[id]--
		f.handle(id, nil, errNoResponse)
		f.progress(int(processed.Add(1)), total)
	}
	return nil
}

func (f *BatchFetcher) handle(id mailbox.MessageID, payload *mailbox.Payload, cause error) {
	if cause == nil && payload == nil {
		cause = errEmptyResponse
	}
	if cause != nil {
		f.debug("message fetch failed", slog.String("id", string(id)), slog.Any("error", cause))
		f.Store.AddFailure(record.FetchFailure{MessageID: id, Cause: cause.Error()})
		return
	}
	rec := record.NewRecord(payload)
	if rec.ID == "" {
		rec.ID = id
	}
	f.Store.AddRecord(rec)
}

func (f *BatchFetcher) progress(processed, total int) {
	if f.OnProgress != nil {
		f.OnProgress(processed, total)
	}
}

func (f *BatchFetcher) debug(msg string, attrs ...any) {
	if f.Logger != nil {
		f.Logger.Debug(msg, attrs...)
	}
}
