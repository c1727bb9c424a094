// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Index stages of a conflicted path.
const (
	StageBase   = 1
	StageOurs   = 2
	StageTheirs = 3
)

const (
	minMergeTreeVersion  = "v2.38.0"
	mergeBaseFlagVersion = "v2.40.0"
)

// IndexEntry is one stage of one path in a conflicted merge.
type IndexEntry struct {
	Mode  string
	OID   string
	Stage int
	Path  string
}

// MergeTreeResult is the outcome of an in-memory three-way merge.
type MergeTreeResult struct {
	// Tree is the merged tree. When Conflicts is non-empty it contains
	// conflict markers for the conflicted paths.
	Tree string

	// Conflicts lists every stage of every conflicted path.
	Conflicts []IndexEntry
}

// Clean reports whether the merge had no conflicts.
func (r *MergeTreeResult) Clean() bool {
	return len(r.Conflicts) == 0
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// Version returns the installed git version in semver form ("v2.39.5").
func (g *Client) Version(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "version")
	if err != nil {
		return "", err
	}
	return parseVersion(out)
}

func parseVersion(out string) (string, error) {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("unrecognized git version output %q", out)
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	if !semver.IsValid(v) {
		return "", fmt.Errorf("unrecognized git version %q", v)
	}
	return v, nil
}

// MergeTree performs a three-way merge of ours and theirs without
// touching the index or working tree.
//
// # Description
//
// Uses `git merge-tree --write-tree`. When git supports it (2.40+) base
// is passed explicitly; older versions compute the same merge base
// internally. Conflicts are returned, not treated as failure.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - base: Merge base commit.
//   - ours: Current commit (stage 2 of conflicted paths).
//   - theirs: Commit being merged in (stage 3).
//
// # Outputs
//
//   - *MergeTreeResult: Merged tree and conflicted entries.
//   - error: ErrGitTooOld below git 2.38, or *CommandError.
func (g *Client) MergeTree(ctx context.Context, base, ours, theirs string) (*MergeTreeResult, error) {
	version, err := g.Version(ctx)
	if err != nil {
		return nil, err
	}
	if semver.Compare(version, minMergeTreeVersion) < 0 {
		return nil, fmt.Errorf("%w: merge-tree --write-tree needs %s, have %s", ErrGitTooOld, minMergeTreeVersion, version)
	}

	args := []string{"merge-tree", "--write-tree", "-z", "--no-messages"}
	if semver.Compare(version, mergeBaseFlagVersion) >= 0 && base != "" {
		args = append(args, "--merge-base="+base)
	}
	args = append(args, ours, theirs)

	out, err := g.run(ctx, args...)
	if err != nil {
		var cerr *CommandError
		if !errors.As(err, &cerr) || cerr.ExitCode != 1 {
			return nil, err
		}
		// Exit status 1 means the merge has conflicts.
		out = cerr.Stdout
	}
	return parseMergeTree(out)
}

// parseMergeTree reads `merge-tree --write-tree -z` output:
// "<tree>\0" followed by "<mode> <oid> <stage>\t<path>\0" entries.
func parseMergeTree(out string) (*MergeTreeResult, error) {
	fields := strings.Split(out, "\x00")
	if len(fields) == 0 || strings.TrimSpace(fields[0]) == "" {
		return nil, fmt.Errorf("merge-tree produced no tree id")
	}
	res := &MergeTreeResult{Tree: strings.TrimSpace(fields[0])}
	for _, f := range fields[1:] {
		if f == "" {
			// An empty field separates the conflict list from messages.
			break
		}
		entry, err := parseIndexEntry(f)
		if err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, entry)
	}
	return res, nil
}

func parseIndexEntry(s string) (IndexEntry, error) {
	meta, path, ok := strings.Cut(s, "\t")
	if !ok {
		return IndexEntry{}, fmt.Errorf("malformed conflict entry %q", s)
	}
	parts := strings.Fields(meta)
	if len(parts) != 3 {
		return IndexEntry{}, fmt.Errorf("malformed conflict entry %q", s)
	}
	stage, err := strconv.Atoi(parts[2])
	if err != nil {
		return IndexEntry{}, fmt.Errorf("malformed conflict stage in %q: %w", s, err)
	}
	return IndexEntry{Mode: parts[0], OID: parts[1], Stage: stage, Path: path}, nil
}
