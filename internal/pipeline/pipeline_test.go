package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/inboxstat/internal/fetch"
	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/record"
)

type fakeMailbox struct {
	pages   []mailbox.ListPage
	listErr error
	fail    map[mailbox.MessageID]bool
	labels  map[mailbox.LabelID]string
	state   string

	mu        sync.Mutex
	listCalls int
	fetched   int
}

func (f *fakeMailbox) ListMessages(ctx context.Context, cursor string) (mailbox.ListPage, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil && cursor != "" {
		return mailbox.ListPage{}, f.listErr
	}
	for i, p := range f.pages {
		if (i == 0 && cursor == "") || (i > 0 && f.pages[i-1].NextCursor == cursor) {
			return p, nil
		}
	}
	return mailbox.ListPage{}, nil
}

func (f *fakeMailbox) GetMessageBatch(
	ctx context.Context,
	ids []mailbox.MessageID,
	onItem mailbox.ItemFunc,
) error {
	_ = ctx
	for _, id := range ids {
		f.mu.Lock()
		f.fetched++
		f.mu.Unlock()
		if f.fail[id] {
			onItem(id, nil, errors.New("backend error"))
			continue
		}
		onItem(id, &mailbox.Payload{
			ID:     id,
			Labels: []mailbox.LabelID{"INBOX"},
			Headers: []mailbox.Header{
				{Name: "From", Value: "news@" + string(id)[:1] + ".example"},
				{Name: "Date", Value: "Wed, 1 Jan 2020 08:00:00 +0000"},
			},
		}, nil)
	}
	return nil
}

func (f *fakeMailbox) State(ctx context.Context) (string, error) {
	_ = ctx
	if f.state == "" {
		return "", errors.New("no state")
	}
	return f.state, nil
}

func (f *fakeMailbox) ListLabels(ctx context.Context) (map[mailbox.LabelID]string, error) {
	_ = ctx
	return f.labels, nil
}

type memCache struct {
	account, state string
	records        []record.MessageRecord
	saves          int
}

func (m *memCache) Load(ctx context.Context, account, state string) ([]record.MessageRecord, bool, error) {
	_ = ctx
	if m.records == nil || m.account != account || m.state != state {
		return nil, false, nil
	}
	return m.records, true, nil
}

func (m *memCache) Save(ctx context.Context, account, state string, records []record.MessageRecord) error {
	_ = ctx
	m.account, m.state, m.records = account, state, records
	m.saves++
	return nil
}

func ids(names ...string) []mailbox.MessageRef {
	out := make([]mailbox.MessageRef, len(names))
	for i, n := range names {
		out[i] = mailbox.MessageRef{ID: mailbox.MessageID(n)}
	}
	return out
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunEndToEnd(t *testing.T) {
	client := &fakeMailbox{
		pages: []mailbox.ListPage{
			{Refs: ids("a1", "b1", "a2"), NextCursor: "p2", SizeEstimate: 5},
			{Refs: ids("a3", "c1", "a1")},
		},
		fail:   map[mailbox.MessageID]bool{"c1": true},
		labels: map[mailbox.LabelID]string{"INBOX": "Inbox"},
	}
	p := New(client, slogDiscard())

	res, err := p.Run(context.Background(), Options{TopN: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 5, client.fetched)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, mailbox.MessageID("c1"), res.Failures[0].MessageID)
	assert.Equal(t, 4, res.Analysis.Totals.Messages)
	require.Len(t, res.Analysis.TopSenders, 1)
	assert.Equal(t, "news@a.example", res.Analysis.TopSenders[0].Sender)
	assert.Equal(t, 3, res.Analysis.TopSenders[0].Count)
	assert.Nil(t, res.Analysis.Totals.AvgPerDay)
	require.Len(t, res.Analysis.Labels, 1)
	assert.Equal(t, "Inbox", res.Analysis.Labels[0].Name)
}

func TestRunEmptyMailbox(t *testing.T) {
	res, err := New(&fakeMailbox{}, slogDiscard()).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Analysis.Totals.Messages)
	assert.Empty(t, res.Failures)
	assert.Empty(t, res.Analysis.TopSenders)
	assert.Nil(t, res.Analysis.Totals.FirstDate)
}

func TestRunListingErrorIsFatal(t *testing.T) {
	client := &fakeMailbox{
		pages:   []mailbox.ListPage{{Refs: ids("a1"), NextCursor: "p2"}},
		listErr: errors.New("503 backend unavailable"),
	}
	_, err := New(client, slogDiscard()).Run(context.Background(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrListing)
	assert.Zero(t, client.fetched)
}

func TestRunUsesCacheForSameState(t *testing.T) {
	client := &fakeMailbox{pages: []mailbox.ListPage{{Refs: ids("a1", "b1")}}, state: "100"}
	cache := &memCache{}
	p := New(client, slogDiscard())
	p.Cache = cache

	first, err := p.Run(context.Background(), Options{Account: "me"})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, 1, cache.saves)

	second, err := p.Run(context.Background(), Options{Account: "me"})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, client.listCalls)
	assert.Equal(t, first.Analysis, second.Analysis)

	client.state = "101"
	third, err := p.Run(context.Background(), Options{Account: "me"})
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, 2, client.listCalls)
}

func TestRunSkipsCacheWithoutState(t *testing.T) {
	client := &fakeMailbox{pages: []mailbox.ListPage{{Refs: ids("a1")}}}
	cache := &memCache{}
	p := New(client, slogDiscard())
	p.Cache = cache

	_, err := p.Run(context.Background(), Options{Account: "me"})
	require.NoError(t, err)
	assert.Zero(t, cache.saves)
}

func TestRunDoesNotCacheFailedRuns(t *testing.T) {
	client := &fakeMailbox{
		pages: []mailbox.ListPage{{Refs: ids("a1", "b1")}},
		fail:  map[mailbox.MessageID]bool{"b1": true},
		state: "7",
	}
	cache := &memCache{}
	p := New(client, slogDiscard())
	p.Cache = cache

	_, err := p.Run(context.Background(), Options{Account: "me"})
	require.NoError(t, err)
	assert.Zero(t, cache.saves)
}

func TestDedupeKeepsFirst(t *testing.T) {
	refs := []mailbox.MessageRef{{ID: "x", ThreadID: "1"}, {ID: "y"}, {ID: "x", ThreadID: "2"}}
	out, dups := dedupe(refs)
	assert.Equal(t, 1, dups)
	assert.Equal(t, []mailbox.MessageRef{{ID: "x", ThreadID: "1"}, {ID: "y"}}, out)
}

func TestWorkersBounded(t *testing.T) {
	for _, n := range []int{-1, 0, 9} {
		p := &Pipeline{Workers: n}
		assert.Equal(t, MaxWorkers, p.workers(), fmt.Sprint(n))
	}
	assert.Equal(t, 2, (&Pipeline{Workers: 2}).workers())
}
