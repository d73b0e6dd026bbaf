package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{in: "", want: INFO},
		{in: "DEBUG", want: DEBUG},
		{in: " warning ", want: WARN},
		{in: "error", want: ERROR},
		{in: "loud", want: INFO, wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLogCF_JSONFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Configure(&buf, "json"); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	prev := GetLevel()
	SetLevel(INFO)
	t.Cleanup(func() {
		SetLevel(prev)
		_ = Configure(os.Stderr, "text")
	})

	DebugCF("telegram", "hidden", nil)
	InfoCF("telegram", "Message received", map[string]any{
		"chat_id":    "42",
		"request_id": "r-1",
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "telegram" || entry["msg"] != "Message received" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["chat_id"] != "42" || entry["request_id"] != "r-1" {
		t.Fatalf("fields missing: %v", entry)
	}
}

func TestStdLogger_WritesThroughHandler(t *testing.T) {
	var buf bytes.Buffer
	if err := Configure(&buf, "json"); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	prev := GetLevel()
	SetLevel(DEBUG)
	t.Cleanup(func() {
		SetLevel(prev)
		_ = Configure(os.Stderr, "text")
	})

	StdLogger("slack", DEBUG).Print("socket mode connected")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["component"] != "slack" || entry["msg"] != "socket mode connected" || entry["level"] != "DEBUG" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestConfigure_RejectsUnknownFormat(t *testing.T) {
	if err := Configure(&bytes.Buffer{}, "xml"); err == nil {
		t.Fatal("Configure(xml) error = nil, want error")
	}
}
