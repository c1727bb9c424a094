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

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// configValidate is the validator instance for experiment configs.
// Initialized in init() with the cross-field rules.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterStructValidation(validateExperiment, ExperimentConfig{})
}

// validateExperiment checks rules that span several fields.
func validateExperiment(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(ExperimentConfig)

	if cfg.MinMax.Min() < 0 || cfg.MinMax.Min() > cfg.MinMax.Max() {
		sl.ReportError(cfg.MinMax, "MinMax", "minmax", "minmax_order", "")
	}
	if cfg.MinMax.Max() > cfg.ShardCount {
		sl.ReportError(cfg.MinMax, "MinMax", "minmax", "minmax_bound", "")
	}

	seen := make(map[string]bool, len(cfg.Treatments))
	for _, t := range cfg.Treatments {
		if seen[t.Name] {
			sl.ReportError(t.Name, "Treatments", "treatments", "unique_name", t.Name)
		}
		seen[t.Name] = true
	}
	for name := range cfg.Assignment.Split {
		if !seen[name] {
			sl.ReportError(name, "Split", "split", "known_treatment", name)
		}
	}
}

// Validate checks cfg against its struct tags and cross-field rules.
//
// # Outputs
//
//   - error: nil, or a *ValidationError listing every problem found.
func Validate(cfg *ExperimentConfig) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "minmax_order":
		return "minmax must satisfy 0 <= min <= max"
	case "minmax_bound":
		return "minmax max must not exceed shard_count"
	case "unique_name":
		return fmt.Sprintf("treatment name %q is used more than once", fe.Param())
	case "known_treatment":
		return fmt.Sprintf("split references unknown treatment %q", fe.Param())
	case "required", "required_if", "required_unless":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Namespace(), fe.Param(), fe.Value())
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
