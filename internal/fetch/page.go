// Package fetch retrieves message references and metadata from a mail API.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
)

// ErrListing marks a failed listing; a run cannot continue past it.
var ErrListing = errors.New("list messages")

// PageProgress describes listing progress after each page.
type PageProgress struct {
	Pages    int
	Items    int
	Estimate int
}

// PageFetcher walks a cursor-paginated listing to its end.
type PageFetcher struct {
	Client mailbox.Client
	Logger *slog.Logger
	OnPage func(PageProgress)
}

// ListAll returns every message reference in the order pages arrived. The
// loop ends only when a page carries no cursor. Any page error is returned
// wrapped in ErrListing and discards the pages already read.
func (f *PageFetcher) ListAll(ctx context.Context) ([]mailbox.MessageRef, error) {
	refs := make([]mailbox.MessageRef, 0)
	cursor := ""
	estimate := 0
	for page := 1; ; page++ {
		p, err := f.Client.ListMessages(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrListing, page, err)
		}
		if page == 1 {
			estimate = p.SizeEstimate
		}
		refs = append(refs, p.Refs...)
		if f.OnPage != nil {
			f.OnPage(PageProgress{Pages: page, Items: len(refs), Estimate: estimate})
		}
		if f.Logger != nil {
			f.Logger.Debug("listed page", slog.Int("page", page), slog.Int("items", len(p.Refs)))
		}
		if p.NextCursor == "" {
			return refs, nil
		}
		cursor = p.NextCursor
	}
}
