// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package treatment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
)

// ResolveConflicts turns the conflicted stages of a merge into index
// records that settle every path.
//
// # Description
//
// For each path the "ours" stage wins when present, otherwise "theirs".
// A path with neither (deleted on both sides of a rename, for example)
// is removed. Records use the `update-index --index-info` format at
// stage 0 and are sorted by path.
//
// # Inputs
//
//   - conflicts: Every stage of every conflicted path.
//
// # Outputs
//
//   - []string: One record per conflicted path.
func ResolveConflicts(conflicts []git.IndexEntry) []string {
	type stages struct {
		ours, theirs *git.IndexEntry
		oidLen       int
	}
	byPath := make(map[string]*stages)
	for i := range conflicts {
		e := &conflicts[i]
		s, ok := byPath[e.Path]
		if !ok {
			s = &stages{}
			byPath[e.Path] = s
		}
		s.oidLen = max(s.oidLen, len(e.OID))
		switch e.Stage {
		case git.StageOurs:
			s.ours = e
		case git.StageTheirs:
			s.theirs = e
		}
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	records := make([]string, 0, len(paths))
	for _, p := range paths {
		s := byPath[p]
		pick := s.ours
		if pick == nil {
			pick = s.theirs
		}
		if pick == nil {
			records = append(records, fmt.Sprintf("0 %s 0\t%s", strings.Repeat("0", s.oidLen), p))
			continue
		}
		records = append(records, fmt.Sprintf("%s %s 0\t%s", pick.Mode, pick.OID, p))
	}
	return records
}
