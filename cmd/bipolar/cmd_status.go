// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/assign"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/lockfile"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/shard"
	"github.com/AleutianAI/bipolar/pkg/ux"
)

// runStatus prints the experiment, whether the next build would reuse
// the existing shards, and what each shard carries. Nothing is written.
func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.Context())
	if err != nil {
		return err
	}
	return printStatus(ux.NewPrinter(cmd.OutOrStdout()), p)
}

func printStatus(out *ux.Printer, p *project) error {
	cfg := p.Config
	layout := shard.NewLayout(p.Root)

	out.Title("Experiment " + cfg.Name)
	out.Field("config", p.ConfigPath)
	out.Field("repo", cfg.Repo)
	out.Field("base", cfg.Base)
	out.Field("shards", fmt.Sprintf("%d, window %s", cfg.ShardCount, cfg.MinMax))
	out.Field("strategy", strategyLabel(cfg.Assignment.Strategy))

	decision := lockfile.Decide(layout.LockfilePath(), lockfile.FromConfig(cfg), false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if decision.Nuke {
		out.Warning("next build starts from scratch: " + decision.Reason)
	} else {
		out.Success("lockfile compatible, next build is incremental")
	}
	state := decision.Lock

	treatments, err := cfg.TreatmentList()
	if err != nil {
		return err
	}
	carried := map[int][]string{}
	if len(treatments) > 0 {
		out.Title("Treatments")
	}
	for _, t := range treatments {
		name := t.TreatmentName()
		plan, ok := assign.PlanFor(cfg.Assignment, name, cfg.ShardCount, cfg.MinMax)
		if !ok {
			out.Warning(fmt.Sprintf("%s: no split configured, build skips it", t))
			continue
		}
		applied := state.AppliedTo(name)
		for _, id := range applied {
			carried[id] = append(carried[id], name)
		}
		pct, _ := cfg.Assignment.SplitFor(name)
		out.Field(name, fmt.Sprintf("%s, split %d%%, selected %s, applied %d, due %s",
			t, pct, ux.IDs(plan.Selected()), len(applied), ux.IDs(plan.Pending(applied, cfg.MinMax))))
	}

	out.Title("Shards")
	if !dirExists(layout.ControlDir()) {
		out.Status(ux.IconPending, "control clone missing")
	} else {
		out.Success("control clone present")
	}
	for _, id := range cfg.MinMax.IDs() {
		label := fmt.Sprintf("shard_%d", id)
		if !dirExists(layout.ShardDir(id)) {
			out.Status(ux.IconPending, label+": not built")
			continue
		}
		names := carried[id]
		sort.Strings(names)
		if len(names) == 0 {
			out.Success(label + ": control")
			continue
		}
		out.Success(label + ": " + strings.Join(names, ", "))
	}
	return nil
}

func strategyLabel(s config.Strategy) string {
	if s.IsRandom() {
		return fmt.Sprintf("%s (seed %d)", s.Type, s.Seed)
	}
	return s.Type
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
