package stage

import "fmt"

// Health is the readiness of one pipeline stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy reports a ready stage.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy reports a stage that cannot run jobs, with the reason.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Wiring is what the composition root supplied to the stages. Handlers
// check their descriptor against it to report readiness.
type Wiring struct {
	// Identities is true when an identity store is configured.
	Identities bool
	// Models reports whether a model kind can be loaded; nil means no
	// model cache is wired.
	Models func(kind string) error
}

// CheckModel reports d as unhealthy when it needs a model that cannot be
// loaded.
func (w Wiring) CheckModel(d Descriptor) Health {
	if !d.NeedsModel() {
		return Healthy(d.Name)
	}
	if w.Models == nil {
		return Unhealthy(d.Name, fmt.Sprintf("model %q needed but no model cache is configured", d.ModelKind))
	}
	if err := w.Models(d.ModelKind); err != nil {
		return Unhealthy(d.Name, fmt.Sprintf("model %q unavailable: %v", d.ModelKind, err))
	}
	return Healthy(d.Name)
}
