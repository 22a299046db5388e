// Package logx carries styled log lines from the background workers to
// the terminal UI or the headless printer.
package logx

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Style classifies a log entry for display.
type Style string

const (
	StyleInfo    Style = "info"
	StyleSuccess Style = "success"
	StyleWarn    Style = "warn"
	StyleError   Style = "error"
)

// Entry is a single log line.
type Entry struct {
	Time  time.Time
	Text  string
	Style Style
}

// Logger queues entries on a buffered channel. When nobody drains the
// channel fast enough new entries are dropped instead of blocking the
// caller. A nil *Logger discards everything.
type Logger struct {
	ch chan Entry
}

// New returns a Logger with room for buffer pending entries.
func New(buffer int) *Logger {
	return &Logger{ch: make(chan Entry, buffer)}
}

// Discard returns a Logger that drops every entry.
func Discard() *Logger { return nil }

// Entries is the channel consumers read from.
func (l *Logger) Entries() <-chan Entry {
	if l == nil {
		return nil
	}
	return l.ch
}

func (l *Logger) Info(format string, args ...any)    { l.log(StyleInfo, format, args...) }
func (l *Logger) Success(format string, args ...any) { l.log(StyleSuccess, format, args...) }
func (l *Logger) Warn(format string, args ...any)    { l.log(StyleWarn, format, args...) }
func (l *Logger) Error(format string, args ...any)   { l.log(StyleError, format, args...) }

func (l *Logger) log(style Style, format string, args ...any) {
	if l == nil {
		return
	}
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	select {
	case l.ch <- Entry{Time: time.Now(), Text: text, Style: style}:
	default:
		// Channel full, drop message
	}
}

var (
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4B5563"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#D1D5DB"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// Render formats an entry as a single styled line, timestamp first.
func Render(e Entry) string {
	var text string
	switch e.Style {
	case StyleSuccess:
		text = successStyle.Render(e.Text)
	case StyleError:
		text = errorStyle.Render(e.Text)
	case StyleWarn:
		text = warnStyle.Render(e.Text)
	default:
		text = infoStyle.Render(e.Text)
	}
	return fmt.Sprintf("%s  %s", timeStyle.Render(e.Time.Format("15:04:05")), text)
}

// Drain prints entries to w until done is closed. Entries still queued at
// that point are left on the channel.
func (l *Logger) Drain(w io.Writer, done <-chan struct{}) {
	if l == nil {
		<-done
		return
	}
	for {
		select {
		case e := <-l.ch:
			fmt.Fprintln(w, strings.TrimRight(Render(e), "\n"))
		case <-done:
			return
		}
	}
}
