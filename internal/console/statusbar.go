// Package console renders a one-line status bar for interactive runs. It
// stays silent when stdout is not a terminal, so service deployments and
// piped logs are unaffected.
package console

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"smc-systemv1/internal/feedstate"
	"smc-systemv1/internal/markethours"
	"smc-systemv1/internal/model"
)

const refreshInterval = 5 * time.Second

// StatusBar periodically rewrites a single line with market and feed state.
type StatusBar struct {
	feed *feedstate.Tracker
	out  *os.File
	now  func() time.Time
}

// New creates a status bar over the shared feed tracker.
func New(feed *feedstate.Tracker) *StatusBar {
	return &StatusBar{feed: feed, out: os.Stdout, now: time.Now}
}

// Run redraws until the stop channel closes. No-op off-terminal.
func (b *StatusBar) Run(stop <-chan struct{}) {
	if !term.IsTerminal(int(b.out.Fd())) {
		return
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			fmt.Fprint(b.out, "\r\033[K")
			return
		case <-ticker.C:
			b.draw()
		}
	}
}

func (b *StatusBar) draw() {
	width, _, err := term.GetSize(int(b.out.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	line := b.Line()
	if len(line) > width {
		line = line[:width]
	}
	fmt.Fprintf(b.out, "\r\033[K%s", line)
}

// Line renders the current status text.
func (b *StatusBar) Line() string {
	parts := []string{markethours.StatusString(b.now())}
	if b.feed != nil {
		snap := b.feed.Snapshot()
		parts = append(parts, "feed "+feedGlyph(snap))
		if snap.LastBarCloseMS > 0 {
			age := b.now().UnixMilli() - snap.LastBarCloseMS
			parts = append(parts, fmt.Sprintf("last bar %ds ago", age/1000))
		}
	}
	return strings.Join(parts, " | ")
}

func feedGlyph(snap model.FeedState) string {
	switch {
	case snap.MarketState == model.MarketClosed:
		return "closed"
	case snap.PriceState == model.StateOK && snap.OhlcvState == model.StateOK:
		return "ok"
	default:
		return "degraded"
	}
}
