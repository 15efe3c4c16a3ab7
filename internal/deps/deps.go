package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"reel/internal/config"
)

// Requirement defines an external binary reel invokes.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements lists the binaries the configuration names. The router is
// only listed when routing is enabled.
func Requirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	reqs := []Requirement{
		{Name: "ffprobe", Command: cfg.FFprobeBinary(), Description: "media duration probing at admission"},
		{Name: "Stage runner", Command: cfg.Runner.Command, Description: "model loading and stage inference"},
	}
	if cfg.Routing.Enabled {
		reqs = append(reqs, Requirement{
			Name:        "Router",
			Command:     cfg.Routing.Command,
			Description: "stage skip routing",
			Optional:    true,
		})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		path, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Detail = path
		results = append(results, status)
	}
	return results
}

// ModelCheck returns a probe for stage readiness: every model kind is served
// by the configured stage runner, so a kind is loadable only when that
// binary resolves.
func ModelCheck(cfg *config.Config) func(kind string) error {
	return func(string) error {
		command := ""
		if cfg != nil {
			command = cfg.Runner.Command
		}
		status := CheckBinaries([]Requirement{{Name: "Stage runner", Command: command}})[0]
		if !status.Available {
			return fmt.Errorf("stage runner: %s", status.Detail)
		}
		return nil
	}
}
