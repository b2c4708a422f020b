package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/pkg/exchange"
)

func init() {
	color.NoColor = true
}

func TestPrintExchangeIncludesMethodHostAndStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	p := newWithWriter(logger.Nop(), buf)

	p.PrintExchange(&exchange.Exchange{
		Method:     "GET",
		Host:       "api.example.com",
		Path:       "/v1/users",
		Status:     200,
		DurationMs: 42,
		SizeBytes:  1024,
	})

	out := buf.String()
	if !strings.Contains(out, "GET") {
		t.Fatalf("expected method in output, got %q", out)
	}
	if !strings.Contains(out, "api.example.com") {
		t.Fatalf("expected host in output, got %q", out)
	}
	if !strings.Contains(out, "/v1/users") {
		t.Fatalf("expected path in output, got %q", out)
	}
	if !strings.Contains(out, "200") {
		t.Fatalf("expected status in output, got %q", out)
	}
}

func TestPrintExchangeFlagsTruncation(t *testing.T) {
	buf := &bytes.Buffer{}
	p := newWithWriter(logger.Nop(), buf)

	p.PrintExchange(&exchange.Exchange{
		Method:            "POST",
		Host:              "api.example.com",
		Status:            200,
		ResponseTruncated: true,
	})

	if !strings.Contains(buf.String(), "truncated") {
		t.Fatalf("expected truncation marker, got %q", buf.String())
	}
}

func TestPrintExchangeEmptyPathDefaultsToSlash(t *testing.T) {
	buf := &bytes.Buffer{}
	p := newWithWriter(logger.Nop(), buf)

	p.PrintExchange(&exchange.Exchange{Method: "GET", Host: "example.com", Status: 200})

	if !strings.Contains(buf.String(), "example.com/") {
		t.Fatalf("expected default path of /, got %q", buf.String())
	}
}

func TestRunPrintsCompletedExchangesFromBus(t *testing.T) {
	buf := &bytes.Buffer{}
	p := newWithWriter(logger.Nop(), buf)
	bus := eventbus.New(4)

	done := make(chan struct{})
	go func() {
		p.Run(bus)
		close(done)
	}()

	// Publish only reaches subscribers present at call time; give Run a
	// moment to subscribe first.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(exchange.Event{
		Kind: exchange.EventRequestCompleted,
		ID:   1,
		FullView: &exchange.Exchange{
			Method: "GET", Host: "example.com", Path: "/x", Status: 204,
		},
	})

	waitForOutput(t, buf, "204")

	bus.Close()
	<-done
}

func TestRunPrintsFailures(t *testing.T) {
	buf := &bytes.Buffer{}
	p := newWithWriter(logger.Nop(), buf)
	bus := eventbus.New(4)

	done := make(chan struct{})
	go func() {
		p.Run(bus)
		close(done)
	}()

	// Publish only reaches subscribers present at call time; give Run a
	// moment to subscribe first.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(exchange.Event{Kind: exchange.EventRequestFailed, ID: 7, ErrorKind: exchange.ErrDNSFailure})

	waitForOutput(t, buf, "DNS_FAILURE")

	bus.Close()
	<-done
}

func waitForOutput(t *testing.T, buf *bytes.Buffer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output, got %q", want, buf.String())
}
