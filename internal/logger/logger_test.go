package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrettyFormatterLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, logrus.DebugLevel)
	log.SetFormatter(&PrettyFormatter{DisableColors: true})

	log.WithFields(logrus.Fields{"peer": "10.0.0.1:9000", "attempt": 2}).Warn("dial failed")

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("expected newline-terminated line, got %q", line)
	}
	if !strings.Contains(line, "WARN  dial failed") {
		t.Errorf("expected level and message, got %q", line)
	}
	if !strings.Contains(line, "attempt=2 peer=10.0.0.1:9000") {
		t.Errorf("expected sorted fields, got %q", line)
	}
}

func TestPrettyFormatterColors(t *testing.T) {
	f := &PrettyFormatter{}
	if got := f.colorizeLevel(logrus.ErrorLevel); !strings.HasPrefix(got, colorRed) {
		t.Errorf("expected red error level, got %q", got)
	}
	if got := f.colorizeLevel(logrus.InfoLevel); !strings.HasPrefix(got, colorGreen) {
		t.Errorf("expected green info level, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != logrus.DebugLevel {
		t.Error("expected debug level")
	}
	if ParseLevel("nonsense") != logrus.InfoLevel {
		t.Error("expected fallback to info")
	}
}
