package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"reel/internal/inference"
	"reel/internal/modelcache"
)

// Responder produces a runner reply for one unit request.
type Responder func(req inference.UnitRequest) (json.RawMessage, error)

// FakeRunner is a deterministic inference.Runner. Each stage kind has a
// default responder producing plausible payloads; tests may override them,
// inject failures per unit, or observe calls through Hook.
type FakeRunner struct {
	mu         sync.Mutex
	calls      []inference.UnitRequest
	failures   map[string][]error
	responders map[string]Responder

	// Hook runs before every reply, outside the runner lock.
	Hook func(req inference.UnitRequest)
}

// NewFakeRunner returns a runner with the default responders installed.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		failures: make(map[string][]error),
		responders: map[string]Responder{
			"transcribe": transcribeReply,
			"diarize":    diarizeReply,
			"entities":   entitiesReply,
			"refine":     refineReply,
		},
	}
}

// Respond overrides the responder for a stage kind.
func (r *FakeRunner) Respond(kind string, fn Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[kind] = fn
}

// FailUnit makes the next len(errs) calls for (stage, unit) fail with errs
// in order.
func (r *FakeRunner) FailUnit(stageName string, unit int, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s/%d", stageName, unit)
	r.failures[key] = append(r.failures[key], errs...)
}

// RunUnit implements inference.Runner.
func (r *FakeRunner) RunUnit(ctx context.Context, req inference.UnitRequest, _ modelcache.Instance) (json.RawMessage, error) {
	if hook := r.Hook; hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, req)
	key := fmt.Sprintf("%s/%d", req.Stage, req.Unit)
	if queued := r.failures[key]; len(queued) > 0 {
		r.failures[key] = queued[1:]
		r.mu.Unlock()
		return nil, queued[0]
	}
	responder := r.responders[req.StageKind]
	r.mu.Unlock()
	if responder == nil {
		return json.RawMessage(`{}`), nil
	}
	return responder(req)
}

// Calls returns every request received so far.
func (r *FakeRunner) Calls() []inference.UnitRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inference.UnitRequest(nil), r.calls...)
}

// UnitsRun returns the sorted distinct units run for a stage.
func (r *FakeRunner) UnitsRun(stageName string) []int {
	seen := make(map[int]bool)
	for _, call := range r.Calls() {
		if call.Stage == stageName {
			seen[call.Unit] = true
		}
	}
	units := make([]int, 0, len(seen))
	for u := range seen {
		units = append(units, u)
	}
	sort.Ints(units)
	return units
}

// CallCount returns the number of calls made for a stage.
func (r *FakeRunner) CallCount(stageName string) int {
	n := 0
	for _, call := range r.Calls() {
		if call.Stage == stageName {
			n++
		}
	}
	return n
}

func transcribeReply(req inference.UnitRequest) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"text":       fmt.Sprintf("%s segment %d", req.Stage, req.Unit),
		"confidence": 0.9,
	})
}

func diarizeReply(req inference.UnitRequest) (json.RawMessage, error) {
	mid := (req.StartSeconds + req.EndSeconds) / 2
	return json.Marshal(inference.DiarizedSegment{Turns: []inference.SpeakerTurn{
		{Speaker: "spk0", Start: req.StartSeconds, End: mid, Voiceprint: []float64{1, 0, 0}},
		{Speaker: "spk1", Start: mid, End: req.EndSeconds, Voiceprint: []float64{0, 1, 0}},
	}})
}

func entitiesReply(req inference.UnitRequest) (json.RawMessage, error) {
	var payload struct {
		Speaker string `json:"speaker"`
	}
	_ = json.Unmarshal(req.Payload, &payload)
	names := []inference.CandidateName{}
	switch payload.Speaker {
	case "S1":
		names = append(names, inference.CandidateName{Name: "ada lovelace", Score: 0.95})
	case "S2":
		names = append(names,
			inference.CandidateName{Name: "charles babbage", Score: 0.6},
			inference.CandidateName{Name: "Babbage", Score: 0.4},
		)
	}
	return json.Marshal(map[string]any{"names": names})
}

func refineReply(req inference.UnitRequest) (json.RawMessage, error) {
	var payload struct {
		Draft inference.Refined `json:"draft"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, err
	}
	payload.Draft.Summary = "refined"
	return json.Marshal(payload.Draft)
}

// FakeModel is the instance returned by FakeLoader.
type FakeModel struct {
	Kind   string
	closed atomic.Bool
}

// Close marks the model closed.
func (m *FakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether the model was closed.
func (m *FakeModel) Closed() bool { return m.closed.Load() }

// FakeLoader is a modelcache.Loader that counts constructions per kind.
type FakeLoader struct {
	mu    sync.Mutex
	loads map[string]int
	Err   error
}

// NewFakeLoader returns an empty loader.
func NewFakeLoader() *FakeLoader {
	return &FakeLoader{loads: make(map[string]int)}
}

// Load implements modelcache.Loader.
func (l *FakeLoader) Load(_ context.Context, kind string, _ map[string]any) (modelcache.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[kind]++
	if l.Err != nil {
		return nil, l.Err
	}
	return &FakeModel{Kind: kind}, nil
}

// Loads returns how many times kind was constructed.
func (l *FakeLoader) Loads(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[kind]
}

// MemoryIdentities is an in-memory inference.IdentityStore.
type MemoryIdentities struct {
	mu      sync.Mutex
	entries map[string]inference.Identity
}

// NewMemoryIdentities returns a store seeded with identities.
func NewMemoryIdentities(seed ...inference.Identity) *MemoryIdentities {
	m := &MemoryIdentities{entries: make(map[string]inference.Identity)}
	for _, id := range seed {
		m.entries[id.Fingerprint] = id
	}
	return m
}

// Lookup implements inference.IdentityStore.
func (m *MemoryIdentities) Lookup(_ context.Context, fingerprint string) (*inference.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// Upsert implements inference.IdentityStore.
func (m *MemoryIdentities) Upsert(_ context.Context, fingerprint string, identity inference.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity.Fingerprint = fingerprint
	m.entries[fingerprint] = identity
	return nil
}

// All implements inference.IdentityStore.
func (m *MemoryIdentities) All(context.Context) ([]inference.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]inference.Identity, 0, len(m.entries))
	for _, id := range m.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}
