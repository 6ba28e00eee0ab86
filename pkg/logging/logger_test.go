// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if LevelWarn.toSlogLevel() != slog.LevelWarn {
		t.Error("LevelWarn should map to slog.LevelWarn")
	}
	if Level(42).toSlogLevel() != slog.LevelInfo {
		t.Error("unknown level should map to slog.LevelInfo")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextOutputToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: FormatText, Service: "hostops"})
	defer logger.Close()

	logger.Info("action issued", "service", "app-server")

	out := buf.String()
	if !strings.Contains(out, "action issued") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "service=hostops") {
		t.Errorf("output missing service attribute: %q", out)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: FormatJSON})
	defer logger.Close()

	logger.Warn("probe failed", "probe", "cpu")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "probe failed" {
		t.Errorf("msg = %v, want %q", record["msg"], "probe failed")
	}
	if record["probe"] != "cpu" {
		t.Errorf("probe = %v, want cpu", record["probe"])
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: FormatText, Level: LevelWarn})
	defer logger.Close()

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("records below Warn were written: %q", out)
	}
	if !strings.Contains(out, "visible error") {
		t.Errorf("error record missing: %q", out)
	}
}

func TestUseJSON_NonFileWriterIsText(t *testing.T) {
	if useJSON(FormatAuto, &bytes.Buffer{}) {
		t.Error("FormatAuto on a buffer should choose text")
	}
	if !useJSON(FormatJSON, &bytes.Buffer{}) {
		t.Error("FormatJSON should always choose JSON")
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "hostops-test"})

	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "hostops-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestLogger_WithSharesDestinations(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: FormatText})
	defer logger.Close()

	child := logger.With("request_id", "abc")
	child.Info("child record")

	if !strings.Contains(buf.String(), "request_id=abc") {
		t.Errorf("child attribute missing: %q", buf.String())
	}
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, Service: "svc"})

	logger.Info("exported", "key", "value")

	deadline := time.Now().Add(2 * time.Second)
	for len(exporter.Entries()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Message != "exported" || entries[0].Service != "svc" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if entries[0].Attrs["key"] != "value" {
		t.Errorf("attrs = %v, want key=value", entries[0].Attrs)
	}
}

func TestArgsToMap_IgnoresDanglingKey(t *testing.T) {
	got := argsToMap([]any{"a", 1, "dangling"})
	if len(got) != 1 || got["a"] != 1 {
		t.Errorf("argsToMap() = %v", got)
	}
}
