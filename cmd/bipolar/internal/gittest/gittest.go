// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

// Repo is a scratch repository rooted in a test temp dir.
type Repo struct {
	t   testing.TB
	Dir string
}

var versionRE = regexp.MustCompile(`(\d+)\.(\d+)`)

// RequireGit skips the test unless git >= 2.38 is on PATH.
func RequireGit(t testing.TB) {
	t.Helper()
	out, err := exec.Command("git", "version").Output()
	if err != nil {
		t.Skipf("git not available: %v", err)
	}
	m := versionRE.FindStringSubmatch(string(out))
	if m == nil {
		t.Skipf("unrecognized git version %q", out)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	if major < 2 || (major == 2 && minor < 38) {
		t.Skipf("git %d.%d is older than 2.38", major, minor)
	}
}

// NewRepo initializes an empty repository on branch main.
func NewRepo(t testing.TB) *Repo {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "origin")
	require(t, os.MkdirAll(dir, 0755))
	r := &Repo{t: t, Dir: dir}
	r.Git("init", "--quiet", "-b", "main")
	return r
}

// Git runs git in the repository and returns trimmed stdout.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	return Run(r.t, r.Dir, args...)
}

// Run runs git in dir with a fixed test identity.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	full := append([]string{
		"-c", "user.name=bipolar-test",
		"-c", "user.email=test@example.com",
		"-c", "commit.gpgsign=false",
		"-c", "advice.detachedHead=false",
	}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to rel inside the repository.
func (r *Repo) WriteFile(rel, content string) {
	r.t.Helper()
	path := filepath.Join(r.Dir, rel)
	require(r.t, os.MkdirAll(filepath.Dir(path), 0755))
	require(r.t, os.WriteFile(path, []byte(content), 0644))
}

// CommitAll stages everything and commits, returning the commit id.
func (r *Repo) CommitAll(message string) string {
	r.t.Helper()
	r.Git("add", "-A")
	r.Git("commit", "--quiet", "-m", message)
	return r.Git("rev-parse", "HEAD")
}

// Branch creates and switches to a new branch.
func (r *Repo) Branch(name string) {
	r.t.Helper()
	r.Git("checkout", "--quiet", "-b", name)
}

// Switch checks out an existing branch.
func (r *Repo) Switch(name string) {
	r.t.Helper()
	r.Git("checkout", "--quiet", name)
}

// Fixture is an origin repository with a main branch and one feature
// branch that adds a file and edits another without conflicting.
type Fixture struct {
	Origin     *Repo
	BaseCommit string
	Feature    string
	FeatureTip string
}

// NewFixture builds the standard origin used by the build tests.
//
// main:    README.md, app.txt ("v1")
// feature: main + feature.txt, app.txt unchanged
// clash:   main with app.txt rewritten ("clash")
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	r := NewRepo(t)
	r.WriteFile("README.md", "# demo\n")
	r.WriteFile("app.txt", "line one\nv1\nline three\n")
	base := r.CommitAll("base")

	r.Branch("feature")
	r.WriteFile("feature.txt", "feature on\n")
	tip := r.CommitAll("feature")

	r.Switch("main")
	r.Branch("clash")
	r.WriteFile("app.txt", "line one\nclash\nline three\n")
	r.CommitAll("clash")

	r.Switch("main")
	return &Fixture{Origin: r, BaseCommit: base, Feature: "feature", FeatureTip: tip}
}

func require(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
