package stage

import (
	"fmt"
	"strings"

	"reel/internal/checkpoint"
	"reel/internal/services"
)

// Pipeline is a validated, ordered list of stage descriptors.
type Pipeline struct {
	stages []Descriptor
	index  map[string]int
}

// NewPipeline validates descriptors and returns the pipeline. Names must be
// unique, the first stage must be a non-skippable transcript provider, and
// every requirement must be met by an earlier stage when nothing is skipped.
func NewPipeline(descriptors ...Descriptor) (*Pipeline, error) {
	invalid := func(format string, args ...any) error {
		return services.Wrap(services.ErrConfiguration, "pipeline", "validate", fmt.Sprintf(format, args...), nil)
	}
	if len(descriptors) == 0 {
		return nil, invalid("pipeline has no stages")
	}
	first := descriptors[0]
	if first.Provides != CapTranscript || first.Skippable {
		return nil, invalid("first stage %q must be a non-skippable transcript provider", first.Name)
	}

	p := &Pipeline{index: make(map[string]int, len(descriptors))}
	provided := make(map[Capability]bool)
	for i, d := range descriptors {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, invalid("stage %d has no name", i)
		}
		if _, dup := p.index[name]; dup {
			return nil, invalid("duplicate stage name %q", name)
		}
		if d.Provides == "" {
			return nil, invalid("stage %q provides no capability", name)
		}
		for _, req := range d.Requires {
			if !provided[req] {
				return nil, invalid("stage %q requires %s, which no earlier stage provides", name, req)
			}
		}
		d.Name = name
		provided[d.Provides] = true
		p.index[name] = i
		p.stages = append(p.stages, d)
	}
	return p, nil
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// At returns the descriptor at index i.
func (p *Pipeline) At(i int) Descriptor { return p.stages[i] }

// Stages returns a copy of the descriptors in order.
func (p *Pipeline) Stages() []Descriptor {
	return append([]Descriptor(nil), p.stages...)
}

// Names returns stage names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, d := range p.stages {
		names[i] = d.Name
	}
	return names
}

// Index returns the position of a named stage.
func (p *Pipeline) Index(name string) (int, bool) {
	i, ok := p.index[name]
	return i, ok
}

// ValidateSkipPlan checks a routing decision made before stage from runs.
// Only skippable stages at or after from may be skipped, and every stage
// left to run must still find its requirements provided by an earlier
// stage that is not skipped. Stages before from count as completed.
func (p *Pipeline) ValidateSkipPlan(from int, skip []string) error {
	invalid := func(format string, args ...any) error {
		return services.Wrap(services.ErrValidation, "pipeline", "validate skip plan", fmt.Sprintf(format, args...), nil)
	}
	skipped := make(map[int]bool, len(skip))
	for _, name := range skip {
		i, ok := p.index[name]
		if !ok {
			return invalid("unknown stage %q", name)
		}
		if i < from {
			return invalid("stage %q already ran", name)
		}
		if !p.stages[i].Skippable {
			return invalid("stage %q cannot be skipped", name)
		}
		skipped[i] = true
	}

	provided := make(map[Capability]bool)
	for i, d := range p.stages {
		if skipped[i] {
			continue
		}
		if i >= from {
			for _, req := range d.Requires {
				if !provided[req] {
					return invalid("stage %q requires %s, which skipping removes", d.Name, req)
				}
			}
		}
		provided[d.Provides] = true
	}
	return nil
}

// ResumePoint returns the stage index and unit cursor to resume from. A valid
// record wins; without one the job starts jobStage from unit zero.
func (p *Pipeline) ResumePoint(rec *checkpoint.Record, jobStage int) (int, int) {
	if rec == nil {
		return min(max(jobStage, 0), len(p.stages)), 0
	}
	if rec.StageIndex >= len(p.stages) {
		return len(p.stages), 0
	}
	return rec.StageIndex, rec.Cursor
}

// Provider returns the index of the latest stage before upto that provides
// c and whose output is present in outputs.
func (p *Pipeline) Provider(c Capability, upto int, outputs map[string]string) (int, bool) {
	for i := min(upto, len(p.stages)) - 1; i >= 0; i-- {
		d := p.stages[i]
		if d.Provides != c {
			continue
		}
		if _, ok := outputs[d.Name]; ok {
			return i, true
		}
	}
	return -1, false
}

// Dependents lists the stages after i that require what stage i provides.
func (p *Pipeline) Dependents(i int) []string {
	var names []string
	for _, d := range p.stages[i+1:] {
		if d.requires(p.stages[i].Provides) {
			names = append(names, d.Name)
		}
	}
	return names
}
