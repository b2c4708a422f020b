// Package console implements the developer-facing trace printer described
// in spec.md §5: a one-line-per-exchange, color-coded summary of completed
// traffic written to stdout, subscribed off the EventBus.
//
// Adapted from the teacher's internal/printer.ConsolePrinter, trimmed to
// the line it actually needs: no body rendering, no header dump, no JSON
// output mode, since captap's console trace is a live tail, not a request
// inspector (that's the bridge's job).
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/pkg/exchange"
)

// ColorScheme is the palette used to render a trace line, mirroring the
// teacher's per-method color table.
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodPATCH  *color.Color
	MethodOther  *color.Color

	Status2xx *color.Color
	Status3xx *color.Color
	Status4xx *color.Color
	Status5xx *color.Color

	Host      *color.Color
	Meta      *color.Color
	ErrorKind *color.Color
}

// NewColorScheme builds the default palette.
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodPATCH:  color.New(color.FgMagenta, color.Bold),
		MethodOther:  color.New(color.FgWhite, color.Bold),

		Status2xx: color.New(color.FgGreen),
		Status3xx: color.New(color.FgCyan),
		Status4xx: color.New(color.FgYellow),
		Status5xx: color.New(color.FgRed, color.Bold),

		Host:      color.New(color.FgHiBlack),
		Meta:      color.New(color.FgHiBlack),
		ErrorKind: color.New(color.FgHiRed, color.Bold),
	}
}

// Printer writes one trace line per finished Exchange.
type Printer struct {
	colors *ColorScheme
	log    logger.Logger
	out    io.Writer
	// widthFd is consulted for terminal width when it points at a real
	// terminal; nil (or a non-terminal) falls back to a fixed width, which
	// is also what makes output deterministic in tests.
	widthFd *os.File
}

// New builds a Printer writing to stdout, sizing its lines to the
// attached terminal's width when stdout is one.
func New(log logger.Logger) *Printer {
	return &Printer{colors: NewColorScheme(), log: log, out: os.Stdout, widthFd: os.Stdout}
}

// newWithWriter builds a Printer over an arbitrary writer with a fixed
// fallback width, used by tests that don't attach to a real terminal.
func newWithWriter(log logger.Logger, out io.Writer) *Printer {
	return &Printer{colors: NewColorScheme(), log: log, out: out}
}

// Run subscribes to bus and prints a trace line for every
// REQUEST_COMPLETED/REQUEST_FAILED event until the subscription's channel
// closes (the bus was closed or Unsubscribe was called elsewhere). It
// blocks, so callers run it in its own goroutine.
func (p *Printer) Run(bus *eventbus.Bus) {
	sub := bus.Subscribe()
	for ev := range sub.C {
		switch ev.Kind {
		case exchange.EventRequestCompleted:
			if ev.FullView != nil {
				p.PrintExchange(ev.FullView)
			}
		case exchange.EventRequestFailed:
			p.printFailure(ev.ID, ev.ErrorKind)
		}
	}
}

// PrintExchange writes one trace line for a completed Exchange:
//
//	GET    200  api.example.com/v1/users            142ms  3.2 kB
func (p *Printer) PrintExchange(ex *exchange.Exchange) {
	method := p.methodColor(ex.Method)
	status := p.statusColor(ex.Status)

	var b strings.Builder
	method.Fprintf(&b, "%-6s", strings.ToUpper(ex.Method))
	b.WriteString(" ")
	status.Fprintf(&b, "%-3d", ex.Status)
	b.WriteString("  ")
	p.colors.Host.Fprint(&b, ex.Host)
	b.WriteString(pathOrSlash(ex.Path))

	padTo(&b, p.terminalWidth()-24)

	p.colors.Meta.Fprintf(&b, "%7s", humanize.Comma(ex.DurationMs)+"ms")
	b.WriteString("  ")
	p.colors.Meta.Fprint(&b, humanize.Bytes(uint64(ex.SizeBytes)))

	if ex.ResponseTruncated || ex.RequestTruncated {
		p.colors.ErrorKind.Fprint(&b, "  [truncated]")
	}

	fmt.Fprintln(p.out, b.String())
}

func (p *Printer) printFailure(id int64, kind exchange.ErrorKind) {
	var b strings.Builder
	p.colors.ErrorKind.Fprintf(&b, "FAILED #%d: %s", id, kind)
	fmt.Fprintln(p.out, b.String())
}

func (p *Printer) methodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
	case "GET":
		return p.colors.MethodGET
	case "POST":
		return p.colors.MethodPOST
	case "PUT":
		return p.colors.MethodPUT
	case "DELETE":
		return p.colors.MethodDELETE
	case "PATCH":
		return p.colors.MethodPATCH
	default:
		return p.colors.MethodOther
	}
}

func (p *Printer) statusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return p.colors.Status5xx
	case status >= 400:
		return p.colors.Status4xx
	case status >= 300:
		return p.colors.Status3xx
	default:
		return p.colors.Status2xx
	}
}

func (p *Printer) terminalWidth() int {
	if p.widthFd == nil {
		return 100
	}
	width, _, err := term.GetSize(int(p.widthFd.Fd()))
	if err != nil || width <= 0 {
		return 100
	}
	if width < 60 {
		return 60
	}
	if width > 200 {
		return 200
	}
	return width
}

func pathOrSlash(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// padTo pads b with spaces until it reaches the given rune width,
// ignoring ANSI color escapes would require real width accounting; the
// teacher's printer has the same limitation, so this keeps parity rather
// than pretending alignment is exact once color codes are involved.
func padTo(b *strings.Builder, width int) {
	if width <= 0 {
		b.WriteString("  ")
		return
	}
	current := b.Len()
	if current >= width {
		b.WriteString("  ")
		return
	}
	b.WriteString(strings.Repeat(" ", width-current))
}
