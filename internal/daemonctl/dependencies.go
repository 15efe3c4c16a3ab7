package daemonctl

import (
	"fmt"

	"reel/internal/config"
	"reel/internal/deps"
)

// Dependency reports whether an external binary the daemon invokes is present.
type Dependency struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
	Severity    string
}

// DependencySummary aggregates dependency readiness.
type DependencySummary struct {
	Total           int
	Available       int
	MissingRequired int
	MissingOptional int
	Severity        string
	Detail          string
}

// ResolveDependencies checks the binaries named in cfg.
func ResolveDependencies(cfg *config.Config) []Dependency {
	checks := deps.CheckBinaries(deps.Requirements(cfg))
	out := make([]Dependency, 0, len(checks))
	for _, check := range checks {
		severity := "ok"
		if !check.Available {
			severity = "error"
			if check.Optional {
				severity = "warn"
			}
		}
		out = append(out, Dependency{
			Name:        check.Name,
			Command:     check.Command,
			Description: check.Description,
			Optional:    check.Optional,
			Available:   check.Available,
			Detail:      check.Detail,
			Severity:    severity,
		})
	}
	return out
}

// BuildDependencySummary computes aggregate dependency readiness.
func BuildDependencySummary(deps []Dependency) DependencySummary {
	if len(deps) == 0 {
		return DependencySummary{
			Severity: "info",
			Detail:   "No dependency checks configured",
		}
	}

	missingRequired := 0
	missingOptional := 0
	for _, dep := range deps {
		if dep.Available {
			continue
		}
		if dep.Optional {
			missingOptional++
		} else {
			missingRequired++
		}
	}

	missingCount := missingRequired + missingOptional
	available := len(deps) - missingCount
	severity := "ok"
	if missingRequired > 0 {
		severity = "error"
	} else if missingOptional > 0 {
		severity = "warn"
	}
	detail := fmt.Sprintf("%d/%d available (missing: %d required, %d optional)", available, len(deps), missingRequired, missingOptional)
	if missingCount == 0 {
		detail = fmt.Sprintf("%d/%d available", available, len(deps))
	}

	return DependencySummary{
		Total:           len(deps),
		Available:       available,
		MissingRequired: missingRequired,
		MissingOptional: missingOptional,
		Severity:        severity,
		Detail:          detail,
	}
}
