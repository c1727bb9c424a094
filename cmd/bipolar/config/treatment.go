// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import "fmt"

// Treatment kinds as written in the config file's "type" field.
const (
	KindBranch = "Branch"
	KindCommit = "Commit"
	KindPatch  = "Patch"
)

// TreatmentSpec is the serialized form of a treatment.
type TreatmentSpec struct {
	Type  string `toml:"type" yaml:"type" validate:"required,oneof=Branch Commit Patch"`
	Name  string `toml:"name" yaml:"name" validate:"required"`
	Ref   string `toml:"ref,omitempty" yaml:"ref,omitempty" validate:"required_unless=Type Patch"`
	Patch string `toml:"patch,omitempty" yaml:"patch,omitempty" validate:"required_if=Type Patch"`
}

// Treatment is a named change applied to a subset of shards.
//
// # Description
//
// The set of implementations is closed: Branch, Commit and Patch. Code
// that needs to act on a treatment implements TreatmentVisitor, which
// forces every variant to be handled at compile time.
type Treatment interface {
	TreatmentName() string
	Accept(v TreatmentVisitor) error
	sealed()
}

// TreatmentVisitor handles each treatment variant.
type TreatmentVisitor interface {
	VisitBranch(t Branch) error
	VisitCommit(t Commit) error
	VisitPatch(t Patch) error
}

// Branch merges refs/remotes/origin/<Ref>.
type Branch struct {
	Name string
	Ref  string
}

// Commit merges the commit Ref.
type Commit struct {
	Name string
	Ref  string
}

// Patch applies the unified diff at File to the working tree.
type Patch struct {
	Name string
	File string
}

var (
	_ Treatment = Branch{}
	_ Treatment = Commit{}
	_ Treatment = Patch{}
)

func (t Branch) TreatmentName() string { return t.Name }
func (t Commit) TreatmentName() string { return t.Name }
func (t Patch) TreatmentName() string  { return t.Name }

func (t Branch) Accept(v TreatmentVisitor) error { return v.VisitBranch(t) }
func (t Commit) Accept(v TreatmentVisitor) error { return v.VisitCommit(t) }
func (t Patch) Accept(v TreatmentVisitor) error  { return v.VisitPatch(t) }

func (Branch) sealed() {}
func (Commit) sealed() {}
func (Patch) sealed()  {}

func (t Branch) String() string { return fmt.Sprintf("branch %s (%s)", t.Name, t.Ref) }
func (t Commit) String() string { return fmt.Sprintf("commit %s (%s)", t.Name, t.Ref) }
func (t Patch) String() string  { return fmt.Sprintf("patch %s (%s)", t.Name, t.File) }

// Treatment converts the serialized form into its variant.
func (s TreatmentSpec) Treatment() (Treatment, error) {
	switch s.Type {
	case KindBranch:
		return Branch{Name: s.Name, Ref: s.Ref}, nil
	case KindCommit:
		return Commit{Name: s.Name, Ref: s.Ref}, nil
	case KindPatch:
		return Patch{Name: s.Name, File: s.Patch}, nil
	default:
		return nil, fmt.Errorf("%w: %q (treatment %q)", ErrUnknownTreatmentType, s.Type, s.Name)
	}
}

// SpecFor converts a treatment back into its serialized form.
func SpecFor(t Treatment) TreatmentSpec {
	var spec TreatmentSpec
	_ = t.Accept(specVisitor{&spec})
	return spec
}

type specVisitor struct{ out *TreatmentSpec }

func (v specVisitor) VisitBranch(t Branch) error {
	*v.out = TreatmentSpec{Type: KindBranch, Name: t.Name, Ref: t.Ref}
	return nil
}

func (v specVisitor) VisitCommit(t Commit) error {
	*v.out = TreatmentSpec{Type: KindCommit, Name: t.Name, Ref: t.Ref}
	return nil
}

func (v specVisitor) VisitPatch(t Patch) error {
	*v.out = TreatmentSpec{Type: KindPatch, Name: t.Name, Patch: t.File}
	return nil
}

// TreatmentList returns the configured treatments in config order.
func (c *ExperimentConfig) TreatmentList() ([]Treatment, error) {
	out := make([]Treatment, 0, len(c.Treatments))
	for _, spec := range c.Treatments {
		t, err := spec.Treatment()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
