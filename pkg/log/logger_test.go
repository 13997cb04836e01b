package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func newTestLogger(format OutputFormat) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New("test")
	l.SetWriter(&buf)
	l.SetLevel(DEBUG)
	l.SetColorize(false)
	l.SetFormat(format)
	return l, &buf
}

func TestLoggerText(t *testing.T) {
	l, buf := newTestLogger(FormatText)
	l.Info("line %d accepted", 3)

	out := buf.String()
	for _, want := range []string{"[INFO ]", "test:", "line 3 accepted"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	l, buf := newTestLogger(FormatText)
	l.SetLevel(WARN)

	l.Debug("dropped")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below WARN, got %q", buf.String())
	}
	l.Warn("kept")
	l.Error("kept too")
	if strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("expected two lines, got %q", buf.String())
	}
	if l.Enabled(INFO) || !l.Enabled(ERROR) {
		t.Error("Enabled disagrees with the configured level")
	}
}

func TestLoggerJSONFields(t *testing.T) {
	l, buf := newTestLogger(FormatJSON)
	l.With(Fields{"client": "serial"}).
		WithField("line", "G1X10").
		WithFields(Fields{"status": 0}).
		Info("executed")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("bad JSON %q: %v", buf.String(), err)
	}
	if entry.Level != "INFO" || entry.Logger != "test" || entry.Message != "executed" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if len(entry.Fields) != 3 || entry.Fields["client"] != "serial" {
		t.Errorf("unexpected fields %v", entry.Fields)
	}
}

func TestLoggerWithError(t *testing.T) {
	l, buf := newTestLogger(FormatText)
	l.WithError(fmt.Errorf("port closed")).Error("read failed")
	if !strings.Contains(buf.String(), "error=port closed") {
		t.Errorf("missing error field in %q", buf.String())
	}
}

func TestWithPrefixSharesOutput(t *testing.T) {
	l, buf := newTestLogger(FormatText)
	child := l.WithPrefix("planner")

	// Reconfiguring the parent reaches the child.
	l.SetLevel(ERROR)
	child.Info("hidden")
	child.Error("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "planner: shown") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestLoggerCaller(t *testing.T) {
	l, buf := newTestLogger(FormatJSON)
	l.SetCaller(true)
	l.Info("where")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Errorf("expected caller in this file, got %q", entry.Caller)
	}

	buf.Reset()
	l.WithField("k", 1).Warn("entry")
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Errorf("expected entry caller in this file, got %q", entry.Caller)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"DEBUG": DEBUG, "debug": DEBUG, "info": INFO, "WARNING": WARN,
		"warn": WARN, "error": ERROR, "bogus": INFO, "": INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if LogLevel(42).String() != "UNKNOWN" {
		t.Error("expected UNKNOWN for an out-of-range level")
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("text") != FormatText {
		t.Error("ParseFormat mismatch")
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("GRBL_LOG_LEVEL", "error")
	t.Setenv("GRBL_LOG_FORMAT", "json")
	t.Setenv("GRBL_LOG_CALLER", "1")

	l, buf := newTestLogger(FormatText)
	ConfigureFromEnv(l)
	if l.GetLevel() != ERROR {
		t.Errorf("expected ERROR, got %v", l.GetLevel())
	}
	l.Error("boom")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestConfigureTimeFormatFromEnv(t *testing.T) {
	t.Setenv("GRBL_LOG_TIME", "[clock]")

	l, buf := newTestLogger(FormatText)
	ConfigureFromEnv(l)
	l.WithField("axis", "X").Infof("homed in %d passes", 2)
	if got := buf.String(); !strings.HasPrefix(got, "[clock] [INFO ] test: homed in 2 passes {axis=X}") {
		t.Errorf("unexpected line %q", got)
	}
}

func TestGetLogger(t *testing.T) {
	l := GetLogger("protocol")
	if l == nil || l.prefix != "protocol" {
		t.Fatalf("unexpected logger %+v", l)
	}
	if l.out != Default().out {
		t.Error("component loggers should share the root output")
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	var buf bytes.Buffer
	l := New("bench")
	l.SetWriter(&buf)
	l.SetLevel(ERROR)
	for i := 0; i < b.N; i++ {
		l.Info("status %d", i)
	}
}
