// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTestLoggerCapturesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	logger.Info().Str("tile", "089098").Msg("merge scheduled")

	out := buf.String()
	if !strings.Contains(out, `"tile":"089098"`) {
		t.Errorf("expected tile field in output, got %s", out)
	}
	if !strings.Contains(out, "merge scheduled") {
		t.Errorf("expected message in output, got %s", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	comp := WithComponent("blend")
	comp.Info().Msg("started")

	if !strings.Contains(buf.String(), `"component":"blend"`) {
		t.Errorf("expected component field, got %s", buf.String())
	}
}

func TestSlogHandlerRoutesToZerolog(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	slogger := slog.New(NewSlogHandler())
	slogger.Info("service started", "service", "router")

	out := buf.String()
	if !strings.Contains(out, "service started") {
		t.Errorf("expected slog message in zerolog output, got %s", out)
	}
	if !strings.Contains(out, `"service":"router"`) {
		t.Errorf("expected slog attr in zerolog output, got %s", out)
	}
}
