package common

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

func TestRankLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stdout)

	l := WithRank(CreateLogger("mesh"), 4)
	l.Infof("connected to rank %d", 7)
	l.Debugf("hidden at info level")

	out := buf.String()
	if !strings.Contains(out, "INFO  | mesh       | rank 4 | connected to rank 7") {
		t.Fatalf("unexpected log line: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message written at info level: %q", out)
	}
	if l.Rank() != 4 {
		t.Errorf("Expected rank 4, got %d", l.Rank())
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stdout)

	l := CreateLogger("transport")
	l.SetLevel(logger.ERROR)
	l.Warningf("dropped")
	l.Errorf("kept %s", "error")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "ERROR | transport  | kept error") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestInitLoggersTwice(t *testing.T) {
	if err := InitLoggers("debug"); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if err := InitLoggers("warn"); err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if err := InitLoggers("verbose"); err == nil {
		t.Errorf("Expected an error for an invalid level")
	}
}
