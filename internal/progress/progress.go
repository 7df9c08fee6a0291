// Package progress draws a spinner and bar for a long-running step while
// the caller waits for its completion signal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// DefaultInterval is how often the indicator redraws.
const DefaultInterval = 100 * time.Millisecond

// Task is the shared progress counter of one step. It is written by the
// worker and read by the indicator.
type Task struct {
	Name  string
	done  atomic.Int64
	total atomic.Int64
}

// NewTask returns a task with an unknown total.
func NewTask(name string) *Task {
	return &Task{Name: name}
}

// Set records processed items out of total. A total of zero means unknown.
func (t *Task) Set(processed, total int) {
	t.done.Store(int64(processed))
	t.total.Store(int64(total))
}

// Progress returns the last values passed to Set.
func (t *Task) Progress() (processed, total int) {
	return int(t.done.Load()), int(t.total.Load())
}

// Indicator renders task state to a terminal.
type Indicator struct {
	Out      io.Writer
	Interval time.Duration
	OK       lipgloss.Style
	Fail     lipgloss.Style

	live    bool
	spinner spinner.Spinner
	bar     progress.Model
}

// New builds an indicator writing to out. Animation is only drawn when out
// is a terminal; otherwise just the final line of each step is printed.
func New(out io.Writer) *Indicator {
	live := false
	if f, ok := out.(*os.File); ok {
		live = isatty.IsTerminal(f.Fd())
	}
	return &Indicator{
		Out:      out,
		Interval: DefaultInterval,
		OK:       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Fail:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		live:     live,
		spinner:  spinner.Dot,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

// Wait blocks until done yields, redrawing task every Interval. The step's
// final state is always printed, with the error when it failed. A nil
// Indicator only waits.
func (ind *Indicator) Wait(task *Task, done <-chan error) error {
	if ind == nil {
		return <-done
	}
	interval := ind.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case err := <-done:
			ind.finish(task, err)
			return err
		case <-ticker.C:
			if ind.live {
				ind.draw(task, frame)
			}
		}
	}
}

func (ind *Indicator) draw(task *Task, frame int) {
	frames := ind.spinner.Frames
	icon := ""
	if len(frames) > 0 {
		icon = frames[frame%len(frames)]
	}
	processed, total := task.Progress()
	line := fmt.Sprintf("%s %s %s", icon, task.Name, humanize.Comma(int64(processed)))
	if total > 0 {
		pct := min(float64(processed)/float64(total), 1)
		line = fmt.Sprintf("%s %s %s %s/%s", icon, task.Name, ind.bar.ViewAs(pct),
			humanize.Comma(int64(processed)), humanize.Comma(int64(total)))
	}
	_, _ = fmt.Fprintf(ind.Out, "\r\033[K%s", line)
}

func (ind *Indicator) finish(task *Task, err error) {
	if ind.live {
		_, _ = fmt.Fprint(ind.Out, "\r\033[K")
	}
	if err != nil {
		_, _ = fmt.Fprintf(ind.Out, "%s %s: %v\n", ind.Fail.Render("✗"), task.Name, err)
		return
	}
	processed, _ := task.Progress()
	_, _ = fmt.Fprintf(ind.Out, "%s %s (%s)\n", ind.OK.Render("✓"), task.Name,
		humanize.Comma(int64(processed)))
}
