package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestSinkWritesPrefixedDebugLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, log.DebugLevel)
	defer Close()

	Sink("coord")("skip mastodon: scrolling")

	out := buf.String()
	if !strings.Contains(out, "coord") || !strings.Contains(out, "skip mastodon: scrolling") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, log.WarnLevel)
	defer Close()

	Debug("hidden")
	Info("hidden too")
	Warn("shown", "source", "rss")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "source=rss") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestNoLoggerIsSafe(t *testing.T) {
	Close()
	Info("nothing")
	Sink("x")("nothing")
}

func TestInitCreatesFile(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, log.InfoLevel); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("hello")
	Close()
}
