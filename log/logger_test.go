package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	type spec struct {
		name     string
		expLevel Level
		expErr   bool
	}
	specs := []spec{
		{"debug", Debug, false},
		{"INFO", Info, false},
		{"", Notice, false},
		{" warn ", Warning, false},
		{"error", Error, false},
		{"verbose", Notice, true},
	}

	for index, s := range specs {
		level, err := ParseLevel(s.name)
		if s.expErr != (err != nil) {
			t.Fatalf("[spec %d] expected error to be %t; got %v", index, s.expErr, err)
		}
		if level != s.expLevel {
			t.Fatalf("[spec %d] expected level %d; got %d", index, s.expLevel, level)
		}
	}
}

func TestDeviceLogger(t *testing.T) {
	var buf bytes.Buffer
	SetSink(&buf)
	SetLevel(Info)
	defer func() {
		SetLevel(Notice)
	}()

	NewForDevice("wavefront", "Intel CPU").Infof("allocated %d lanes", 64)
	NewForDevice("renderer", "").Debug("not logged")

	out := buf.String()
	if !strings.Contains(out, "[wavefront (Intel CPU)]") || !strings.Contains(out, "allocated 64 lanes") {
		t.Fatalf("expected device qualified log line; got %q", out)
	}
	if strings.Contains(out, "not logged") {
		t.Fatalf("expected debug messages to be filtered; got %q", out)
	}
}
