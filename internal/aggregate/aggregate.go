// Package aggregate turns a snapshot of message records into rankings,
// summary statistics and time histograms. Every function here is a pure
// read of its input.
package aggregate

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/record"
)

const maxParallel = 4

// Options controls Analyze.
type Options struct {
	TopN       int
	LabelNames map[mailbox.LabelID]string
}

// Result is everything the renderer needs from one snapshot.
type Result struct {
	TopSenders []SenderCount `json:"top_senders"`
	TopDomains []DomainCount `json:"top_domains"`
	Totals     Totals        `json:"totals"`
	Histogram  []YearSeries  `json:"histogram"`
	Hours      [24]int       `json:"hours"`
	Labels     []LabelCount  `json:"labels"`
}

// Analyze runs every aggregation over records. Dates are parsed once and
// the independent computations run concurrently.
func Analyze(ctx context.Context, records []record.MessageRecord, opts Options) (Result, error) {
	dates := Dates(records)

	var res Result
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	g.Go(func() error {
		res.TopSenders = TopSenders(records, opts.TopN)
		res.TopDomains = TopDomains(records, opts.TopN)
		return ctx.Err()
	})
	g.Go(func() error {
		res.Totals = Summarize(records, dates)
		return ctx.Err()
	})
	g.Go(func() error {
		res.Histogram = Histogram(dates)
		res.Hours = Hours(dates)
		return ctx.Err()
	})
	g.Go(func() error {
		res.Labels = Labels(records, opts.LabelNames)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("aggregate: %w", err)
	}
	return res, nil
}
