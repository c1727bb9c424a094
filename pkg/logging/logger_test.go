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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatAuto, false},
		{"auto", FormatAuto, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_AutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Output: &buf, Service: "bipolar"})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("Build complete", "nuked", false)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Build complete", rec["msg"])
	assert.Equal(t, "bipolar", rec["service"])
	assert.Equal(t, false, rec["nuked"])
}

func TestNew_TextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Output: &buf, Format: FormatText})
	require.NoError(t, err)

	l.Slog().Debug("hidden")
	l.Slog().Info("shown", "shard", 3)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown shard=3")

	buf.Reset()
	l, err = New(Config{Output: &buf, Format: FormatText, Verbose: true})
	require.NoError(t, err)
	l.Slog().Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNew_LogFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bipolar.log")
	l, err := New(Config{Output: &console, Format: FormatText, LogFile: path})
	require.NoError(t, err)

	l.Slog().With("build", "abc").Warn("Reapplying treatment")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "abc", rec["build"])
	assert.Contains(t, console.String(), "Reapplying treatment")
}

func TestNew_BadFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
