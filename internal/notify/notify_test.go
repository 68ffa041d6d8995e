package notify

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func TestBestEffortSwallowsError(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	BestEffort(logger, "ack_send", func() error {
		return errors.New("boom")
	})

	out := buf.String()
	if !strings.Contains(out, "ack_send") || !strings.Contains(out, "boom") {
		t.Fatalf("expected failure log, got %q", out)
	}
}

func TestBestEffortSuccessIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	BestEffort(logger, "ack_send", func() error { return nil })

	if buf.Len() != 0 {
		t.Fatalf("expected no log output, got %q", buf.String())
	}
}

func TestBestEffortNilFn(t *testing.T) {
	BestEffort(nil, "noop", nil)
}

func TestBestEffortValue(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	v, ok := BestEffortValue(logger, "fetch", func() (int, error) { return 42, nil })
	if !ok || v != 42 {
		t.Fatalf("expected (42, true), got (%d, %v)", v, ok)
	}

	v, ok = BestEffortValue(logger, "fetch", func() (int, error) {
		return 0, errors.New("down")
	})
	if ok || v != 0 {
		t.Fatalf("expected (0, false), got (%d, %v)", v, ok)
	}
	if !strings.Contains(buf.String(), "down") {
		t.Fatalf("expected failure log, got %q", buf.String())
	}
}
