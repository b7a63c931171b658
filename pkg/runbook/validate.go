// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runbook

import (
	"fmt"
	"strings"

	"github.com/migrond/migrond/pkg/errors"
	"github.com/migrond/migrond/pkg/phase"
)

var validDataSourceTypes = map[string]bool{
	"dataverse":  true,
	"databricks": true,
	"sql":        true,
}

var validMultiValuedFormats = map[string]bool{
	"semicolon_delimited": true,
	"comma_delimited":     true,
	"json_array":          true,
}

var validOverdueBehaviors = map[string]bool{
	"rerun":  true,
	"ignore": true,
}

// Validate checks structural and referential correctness of the runbook,
// accumulating every error it finds rather than stopping at the first.
// Publish-time validation relies on seeing the full set of problems at once.
func (r *Runbook) Validate() []*errors.ValidationError {
	var errs []*errors.ValidationError

	if r.Name == "" {
		errs = append(errs, &errors.ValidationError{Field: "name", Message: "runbook name is required"})
	}

	if r.OverdueBehavior != "" && !validOverdueBehaviors[r.OverdueBehavior] {
		errs = append(errs, &errors.ValidationError{Field: "overdue_behavior", Message: fmt.Sprintf("must be 'rerun' or 'ignore', got: %s", r.OverdueBehavior)})
	}

	errs = append(errs, r.DataSource.validate()...)

	if r.Retry != nil {
		errs = append(errs, r.Retry.validate("retry")...)
	}

	if len(r.Phases) == 0 {
		errs = append(errs, &errors.ValidationError{Field: "phases", Message: "runbook must define at least one phase"})
	}

	for i, step := range r.Init {
		errs = append(errs, step.validate(fmt.Sprintf("init[%d]", i), nil, r)...)
	}
	errs = append(errs, duplicateNames(r.Init, "init")...)

	seenPhaseNames := make(map[string]bool)
	for i, ph := range r.Phases {
		field := fmt.Sprintf("phases[%d]", i)
		if ph.Name == "" {
			errs = append(errs, &errors.ValidationError{Field: field + ".name", Message: "phase name is required"})
		} else if seenPhaseNames[ph.Name] {
			errs = append(errs, &errors.ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate phase name: %s", ph.Name)})
		}
		seenPhaseNames[ph.Name] = true

		if _, err := phase.ParseOffset(ph.Offset); err != nil {
			errs = append(errs, &errors.ValidationError{Field: field + ".offset", Message: err.Error()})
		}

		if len(ph.Steps) == 0 {
			errs = append(errs, &errors.ValidationError{Field: field + ".steps", Message: "phase must define at least one step"})
		}
		for j, step := range ph.Steps {
			errs = append(errs, step.validate(fmt.Sprintf("%s.steps[%d]", field, j), nil, r)...)
		}
		errs = append(errs, duplicateNames(ph.Steps, field+".steps")...)
	}

	for i, step := range r.OnMemberRemoved {
		errs = append(errs, step.validate(fmt.Sprintf("on_member_removed[%d]", i), nil, r)...)
	}
	errs = append(errs, duplicateNames(r.OnMemberRemoved, "on_member_removed")...)

	for name, steps := range r.Rollbacks {
		for i, step := range steps {
			errs = append(errs, step.validate(fmt.Sprintf("rollbacks.%s[%d]", name, i), nil, r)...)
		}
	}

	return errs
}

// duplicateNames reports a ValidationError for every step name repeated
// within the given list.
func duplicateNames(steps []StepDefinition, field string) []*errors.ValidationError {
	var errs []*errors.ValidationError
	seen := make(map[string]bool)
	for _, s := range steps {
		if s.Name == "" {
			continue
		}
		if seen[s.Name] {
			errs = append(errs, &errors.ValidationError{Field: field, Message: fmt.Sprintf("duplicate step name: %s", s.Name)})
		}
		seen[s.Name] = true
	}
	return errs
}

func (d *DataSourceConfig) validate() []*errors.ValidationError {
	var errs []*errors.ValidationError
	if d.Type == "" {
		errs = append(errs, &errors.ValidationError{Field: "data_source.type", Message: "data source type is required"})
	} else if !validDataSourceTypes[d.Type] {
		errs = append(errs, &errors.ValidationError{Field: "data_source.type", Message: fmt.Sprintf("unsupported data source type: %s", d.Type)})
	}

	if d.Type == "databricks" && d.WarehouseID == "" {
		errs = append(errs, &errors.ValidationError{Field: "data_source.warehouse_id", Message: "warehouse_id is required when type is databricks"})
	}

	if d.Query == "" {
		errs = append(errs, &errors.ValidationError{Field: "data_source.query", Message: "query is required"})
	}
	if d.PrimaryKey == "" {
		errs = append(errs, &errors.ValidationError{Field: "data_source.primary_key", Message: "primary_key is required"})
	}

	hasColumn := d.BatchTimeColumn != ""
	hasImmediate := d.BatchTime == "immediate"
	if d.BatchTime != "" && d.BatchTime != "immediate" {
		errs = append(errs, &errors.ValidationError{Field: "data_source.batch_time", Message: fmt.Sprintf("batch_time must be \"immediate\" if set, got: %s", d.BatchTime)})
	}
	switch {
	case !hasColumn && !hasImmediate:
		errs = append(errs, &errors.ValidationError{Field: "data_source", Message: "exactly one of batch_time_column or batch_time=\"immediate\" is required"})
	case hasColumn && hasImmediate:
		errs = append(errs, &errors.ValidationError{Field: "data_source", Message: "batch_time_column and batch_time=\"immediate\" are mutually exclusive"})
	}

	for i, col := range d.MultiValuedColumns {
		field := fmt.Sprintf("data_source.multi_valued_columns[%d]", i)
		if col.Name == "" {
			errs = append(errs, &errors.ValidationError{Field: field + ".name", Message: "name is required"})
		}
		if !validMultiValuedFormats[col.Format] {
			errs = append(errs, &errors.ValidationError{Field: field + ".format", Message: fmt.Sprintf("unknown format: %s", col.Format)})
		}
	}

	return errs
}

func (r *RetryConfig) validate(field string) []*errors.ValidationError {
	var errs []*errors.ValidationError
	if r.MaxRetries < 0 {
		errs = append(errs, &errors.ValidationError{Field: field + ".max_retries", Message: "max_retries cannot be negative"})
	}
	if r.Interval != "" {
		if _, err := phase.ParseDuration(r.Interval); err != nil {
			errs = append(errs, &errors.ValidationError{Field: field + ".interval", Message: err.Error()})
		}
	}
	return errs
}

func (p *PollConfig) validate(field string) []*errors.ValidationError {
	var errs []*errors.ValidationError
	if p.Interval == "" {
		errs = append(errs, &errors.ValidationError{Field: field + ".interval", Message: "poll.interval is required"})
	} else if _, err := phase.ParseDuration(p.Interval); err != nil {
		errs = append(errs, &errors.ValidationError{Field: field + ".interval", Message: err.Error()})
	}
	if p.Timeout == "" {
		errs = append(errs, &errors.ValidationError{Field: field + ".timeout", Message: "poll.timeout is required"})
	} else if _, err := phase.ParseDuration(p.Timeout); err != nil {
		errs = append(errs, &errors.ValidationError{Field: field + ".timeout", Message: err.Error()})
	}
	return errs
}

func (s *StepDefinition) validate(field string, _ map[string]bool, rb *Runbook) []*errors.ValidationError {
	var errs []*errors.ValidationError
	if s.Name == "" {
		errs = append(errs, &errors.ValidationError{Field: field + ".name", Message: "step name is required"})
	}
	if s.WorkerID == "" {
		errs = append(errs, &errors.ValidationError{Field: field + ".worker_id", Message: "worker_id is required"})
	}
	if s.Function == "" {
		errs = append(errs, &errors.ValidationError{Field: field + ".function", Message: "function is required"})
	}

	if s.Poll != nil {
		errs = append(errs, s.Poll.validate(field+".poll")...)
	}
	if s.Retry != nil {
		errs = append(errs, s.Retry.validate(field+".retry")...)
	}

	if s.OnFailure != "" {
		if _, ok := rb.Rollbacks[s.OnFailure]; !ok {
			errs = append(errs, &errors.ValidationError{Field: field + ".on_failure", Message: fmt.Sprintf("on_failure references undefined rollback sequence: %s", s.OnFailure)})
		}
	}

	for name, v := range s.Params {
		if err := checkBalancedBraces(v); err != nil {
			errs = append(errs, &errors.ValidationError{Field: fmt.Sprintf("%s.params.%s", field, name), Message: err.Error()})
		}
	}

	return errs
}

// checkBalancedBraces reports an error if a template string contains
// unbalanced {{ / }} delimiters.
func checkBalancedBraces(s string) error {
	opens := strings.Count(s, "{{")
	closes := strings.Count(s, "}}")
	if opens != closes {
		return fmt.Errorf("unbalanced {{ }} in template: %q", s)
	}
	return nil
}
