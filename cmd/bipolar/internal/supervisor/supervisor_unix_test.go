// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/process"
)

func TestRun_RealChildren(t *testing.T) {
	root := t.TempDir()
	makeShards(t, root, 2)
	cfg := newConfig(2)
	cfg.Hooks.Run = "sleep 30 & sleep 30"

	s, err := New(Params{Config: cfg, Root: root, Runner: process.NewShellRunner(), SpawnInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Run(ctx))
	require.Less(t, time.Since(start), 10*time.Second)
}
