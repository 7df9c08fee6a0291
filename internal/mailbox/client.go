package mailbox

import "context"

// Client is the narrow mail API surface required by inboxstat.
type Client interface {
	// ListMessages returns one page of message references. An empty cursor
	// requests the first page; an empty NextCursor marks the last one.
	ListMessages(ctx context.Context, cursor string) (ListPage, error)
	// GetMessageBatch fetches metadata for ids and invokes onItem exactly once
	// per id before returning. Per-item failures are reported through onItem,
	// never through the returned error, which is reserved for cancellation.
	GetMessageBatch(ctx context.Context, ids []MessageID, onItem ItemFunc) error
	// State returns an opaque token that changes whenever the mailbox does.
	State(ctx context.Context) (string, error)
}

// LabelLister is implemented by clients that can resolve label ids to names.
type LabelLister interface {
	ListLabels(ctx context.Context) (map[LabelID]string, error)
}

// ItemFunc receives the outcome of one sub-request of a batch. Exactly one of
// payload and cause is non-nil. It may be called from several goroutines.
type ItemFunc func(id MessageID, payload *Payload, cause error)
