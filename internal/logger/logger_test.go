package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrettyFormatterLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Out: &buf})

	log.WithFields(logrus.Fields{"peer": "127.0.0.1:4433", "bytes": 42}).Info("Got stream")

	line := buf.String()
	if !strings.Contains(line, "INFO ") {
		t.Errorf("expected INFO level in %q", line)
	}
	if !strings.Contains(line, "Got stream bytes=42 peer=127.0.0.1:4433") {
		t.Errorf("expected sorted fields in %q", line)
	}
	if strings.Contains(line, "\033[") {
		t.Errorf("expected no color codes for non-terminal output, got %q", line)
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Format: "JSON", Out: &buf})

	log.WithField("session", "abc").Warn("closing")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "closing" || entry["session"] != "abc" || entry["level"] != "warning" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "loud", Out: &buf})

	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info level, got %s", log.GetLevel())
	}

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered, got %q", buf.String())
	}
}

func TestColorizeLevel(t *testing.T) {
	f := &PrettyFormatter{}
	if got := f.colorizeLevel(logrus.ErrorLevel); got != colorRed+"ERROR"+colorReset {
		t.Errorf("unexpected error level rendering %q", got)
	}

	f.NoColor = true
	if got := f.colorizeLevel(logrus.WarnLevel); got != "WARN " {
		t.Errorf("unexpected warn level rendering %q", got)
	}
}
