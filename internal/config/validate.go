// This file adds a lightweight linter for decoded File values: struct-tag
// validation first, then cross-field checks the tags cannot express. Callers
// get a list of issues to surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that is surfaced but does not block.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted path into the
// config (e.g. "datasets[1].key_columns").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs static validation of a File. It does not mutate the
// config; callers decide whether warnings are fatal.
func Validate(f File) []Issue {
	var issues []Issue

	if err := validate.Struct(f); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     strings.ToLower(fe.Namespace()),
					Message:  fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			issues = append(issues, Issue{Severity: SeverityError, Path: "datasets", Message: err.Error()})
		}
	}

	seenTables := map[string]string{}
	for i, ds := range f.Datasets {
		path := fmt.Sprintf("datasets[%d]", i)

		for _, key := range ds.KeyColumns {
			if key == ds.SurrogateKey {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".surrogate_key",
					Message:  fmt.Sprintf("surrogate key %q must not also be a key column", key),
				})
			}
		}
		if ds.CleanupOrphans && len(ds.KeyColumns) != 1 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".cleanup_orphans",
				Message:  "orphan cleanup requires exactly one key column",
			})
		}
		if prev, ok := seenTables[ds.TargetTable]; ok && ds.TargetTable != "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".target_table",
				Message:  fmt.Sprintf("table %q already synchronized by dataset %q; concurrent writers per table are not supported", ds.TargetTable, prev),
			})
		} else {
			seenTables[ds.TargetTable] = ds.Name
		}
		if ds.BatchSize > 50000 {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path + ".batch_size",
				Message:  "very large merge batches hold row locks for a long time",
			})
		}
	}

	return issues
}
