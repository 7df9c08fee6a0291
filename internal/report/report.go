// Package report renders aggregation results for the terminal and as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/charset"
	"github.com/mattn/go-runewidth"

	"github.com/joshsymonds/inboxstat/internal/aggregate"
	"github.com/joshsymonds/inboxstat/internal/pipeline"
	"github.com/joshsymonds/inboxstat/internal/record"
)

const senderColumnWidth = 44

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Report is one run's rendered output.
type Report struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Account     string                `json:"account"`
	RunID       string                `json:"run_id"`
	FromCache   bool                  `json:"from_cache"`
	Duplicates  int                   `json:"duplicates"`
	Analysis    aggregate.Result      `json:"analysis"`
	Failures    []record.FetchFailure `json:"failures"`
}

// FromResult wraps a pipeline result for rendering.
func FromResult(account string, res pipeline.Result, now time.Time) Report {
	return Report{
		GeneratedAt: now,
		Account:     account,
		RunID:       res.RunID,
		FromCache:   res.FromCache,
		Duplicates:  res.Duplicates,
		Analysis:    res.Analysis,
		Failures:    res.Failures,
	}
}

// Renderer writes the human-readable report.
type Renderer struct {
	Theme   Theme
	Verbose bool
}

// PrintHuman writes rep to w with the default theme.
func PrintHuman(rep Report, w io.Writer) error {
	return Renderer{Theme: DefaultTheme()}.Render(rep, w)
}

// Render writes every section of rep to w.
func (r Renderer) Render(rep Report, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	var b strings.Builder
	a := rep.Analysis
	fmt.Fprintf(&b, "%s\n", r.Theme.Header.Render(fmt.Sprintf("inboxstat: %s (%s messages)",
		rep.Account, humanize.Comma(int64(a.Totals.Messages)))))
	if rep.FromCache {
		fmt.Fprintf(&b, "%s\n", r.Theme.Muted.Render("served from cache"))
	}
	r.senders(&b, a.TopSenders)
	r.domains(&b, a.TopDomains)
	r.summary(&b, a.Totals)
	r.years(&b, a.Histogram)
	r.hours(&b, a.Hours)
	r.labels(&b, a.Labels)
	r.failures(&b, rep)
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}

func (r Renderer) section(b *strings.Builder, title string) {
	fmt.Fprintf(b, "\n%s\n", r.Theme.Header.Render(title))
}

func (r Renderer) senders(b *strings.Builder, top []aggregate.SenderCount) {
	if len(top) == 0 {
		return
	}
	r.section(b, fmt.Sprintf("Top %d senders", len(top)))
	peak := top[0].Count
	for i, s := range top {
		name := runewidth.FillRight(runewidth.Truncate(DecodeSender(s.Sender), senderColumnWidth, "…"),
			senderColumnWidth)
		fmt.Fprintf(b, "%s %3d. %s %7s %s\n", r.Theme.Icon.Render(r.Theme.SenderIcon), i+1, name,
			humanize.Comma(int64(s.Count)), r.bar(s.Count, peak))
	}
}

func (r Renderer) domains(b *strings.Builder, top []aggregate.DomainCount) {
	if len(top) < 2 {
		return
	}
	r.section(b, "Top sender domains")
	peak := top[0].Count
	for _, d := range top {
		fmt.Fprintf(b, "%s %s %7s %s\n", r.Theme.Icon.Render(r.Theme.SenderIcon),
			runewidth.FillRight(runewidth.Truncate(d.Domain, senderColumnWidth, "…"), senderColumnWidth),
			humanize.Comma(int64(d.Count)), r.bar(d.Count, peak))
	}
}

func (r Renderer) summary(b *strings.Builder, t aggregate.Totals) {
	r.section(b, "Summary")
	fmt.Fprintf(b, "  messages          %s\n", humanize.Comma(int64(t.Messages)))
	fmt.Fprintf(b, "  distinct senders  %s\n", humanize.Comma(int64(t.DistinctSenders)))
	if t.FirstDate == nil || t.LastDate == nil {
		fmt.Fprintf(b, "  dates             %s\n", r.Theme.Muted.Render("none parsed"))
		return
	}
	fmt.Fprintf(b, "  first message     %s\n", t.FirstDate.Format(time.DateOnly))
	fmt.Fprintf(b, "  last message      %s\n", t.LastDate.Format(time.DateOnly))
	if t.AvgPerDay == nil {
		fmt.Fprintf(b, "  average per day   %s\n", r.Theme.Muted.Render("n/a (single day)"))
		return
	}
	fmt.Fprintf(b, "  average per day   %.2f\n", *t.AvgPerDay)
}

func (r Renderer) years(b *strings.Builder, hist []aggregate.YearSeries) {
	if len(hist) == 0 {
		return
	}
	r.section(b, "Messages per year")
	for _, y := range hist {
		var months [12]int
		peak := 0
		for _, d := range y.Days {
			months[d.Day.Month-1] += d.Count
		}
		for _, n := range months {
			peak = max(peak, n)
		}
		fmt.Fprintf(b, "%s %d  %s messages on %s days\n", r.Theme.Icon.Render(r.Theme.YearIcon), y.Year,
			humanize.Comma(int64(y.Total())), humanize.Comma(int64(len(y.Days))))
		for m, n := range months {
			if n == 0 {
				continue
			}
			fmt.Fprintf(b, "    %s %7s %s\n", time.Month(m+1).String()[:3], humanize.Comma(int64(n)), r.bar(n, peak))
		}
	}
}

func (r Renderer) hours(b *strings.Builder, hours [24]int) {
	peak := 0
	for _, n := range hours {
		peak = max(peak, n)
	}
	if peak == 0 {
		return
	}
	r.section(b, "Messages by hour of day")
	for h, n := range hours {
		fmt.Fprintf(b, "%s %02d %7s %s\n", r.Theme.Icon.Render(r.Theme.HourIcon), h,
			humanize.Comma(int64(n)), r.bar(n, peak))
	}
}

func (r Renderer) labels(b *strings.Builder, labels []aggregate.LabelCount) {
	if len(labels) == 0 {
		return
	}
	r.section(b, "Labels")
	for _, l := range labels {
		name := l.Name
		if name == "" {
			name = string(l.ID)
		}
		fmt.Fprintf(b, "%s %s %7s\n", r.Theme.Icon.Render(r.Theme.LabelIcon),
			runewidth.FillRight(runewidth.Truncate(name, senderColumnWidth, "…"), senderColumnWidth),
			humanize.Comma(int64(l.Count)))
	}
}

func (r Renderer) failures(b *strings.Builder, rep Report) {
	if rep.Duplicates > 0 {
		fmt.Fprintf(b, "\n%s\n", r.Theme.Muted.Render(fmt.Sprintf("%s duplicate message ids ignored",
			humanize.Comma(int64(rep.Duplicates)))))
	}
	if len(rep.Failures) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", r.Theme.Fail.Render(fmt.Sprintf("%s messages could not be fetched",
		humanize.Comma(int64(len(rep.Failures))))))
	if !r.Verbose {
		return
	}
	for _, f := range rep.Failures {
		fmt.Fprintf(b, "  %s: %s\n", f.MessageID, f.Cause)
	}
}

func (r Renderer) bar(n, peak int) string {
	if peak <= 0 || n <= 0 {
		return ""
	}
	width := max(1, n*r.Theme.BarMaxWidth/peak)
	return r.Theme.Bar.Render(strings.Repeat(r.Theme.BarGlyph, width))
}

// DecodeSender expands RFC 2047 encoded words in a From value. Values that
// fail to decode are returned unchanged.
func DecodeSender(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// WriteJSON encodes the report as indented JSON.
func WriteJSON(rep Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
