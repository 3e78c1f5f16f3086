// Package logx configures the process-wide zerolog logger and provides the
// terminal progress bar the backfill command uses.
package logx

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup installs the global logger: human console output on a terminal,
// JSON lines otherwise. verbose lowers the level to debug.
func Setup(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// Progress renders a single-line terminal progress bar with rate and ETA.
// On a non-terminal it stays silent until Finish, which always logs.
type Progress struct {
	mu      sync.Mutex
	name    string
	total   int
	current int
	started time.Time
	tty     bool
}

// NewProgress starts a bar for total items.
func NewProgress(name string, total int) *Progress {
	return &Progress{
		name:    name,
		total:   total,
		started: time.Now(),
		tty:     term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Update sets the completed count and redraws.
func (p *Progress) Update(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = current
	p.draw()
}

// Finish clears the bar and logs the outcome.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty {
		fmt.Print("\r\033[K")
	}
	log.Info().
		Str("task", p.name).
		Int("items", p.current).
		Dur("took", time.Since(p.started)).
		Msg("Done")
}

// Fail clears the bar and logs the failure.
func (p *Progress) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty {
		fmt.Print("\r\033[K")
	}
	log.Error().Err(err).Str("task", p.name).Int("items", p.current).Msg("Failed")
}

func (p *Progress) draw() {
	if !p.tty || p.total <= 0 {
		return
	}

	const width = 24
	filled := width * p.current / p.total
	if filled > width {
		filled = width
	}

	var b strings.Builder
	b.WriteString("\r\033[K")
	b.WriteString(p.name)
	b.WriteString(" [")
	b.WriteString(strings.Repeat("█", filled))
	b.WriteString(strings.Repeat("░", width-filled))
	fmt.Fprintf(&b, "] %d/%d", p.current, p.total)

	if p.current > 0 {
		elapsed := time.Since(p.started).Seconds()
		rate := float64(p.current) / elapsed
		if remaining := p.total - p.current; remaining > 0 && rate > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Second
			fmt.Fprintf(&b, " ETA %v", eta.Round(time.Second))
		}
	}
	fmt.Print(b.String())
}
