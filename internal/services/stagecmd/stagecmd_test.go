package stagecmd_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"reel/internal/config"
	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/modelcache"
	"reel/internal/services"
	"reel/internal/services/stagecmd"
)

const helperEnv = "REEL_STAGECMD_HELPER"

// TestHelperProcess is re-executed as the worker or router process.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	switch mode {
	case "worker":
		runHelperWorker()
	case "router":
		var features inference.Features
		_ = json.NewDecoder(os.Stdin).Decode(&features)
		fmt.Printf(`{"skip":["refinement"],"confidence":0.92,"segments":%d}`+"\n", features.Segments)
	case "router-fail":
		fmt.Fprintln(os.Stderr, "no model available")
		os.Exit(2)
	case "not-ready":
		fmt.Println(`{"ready":false,"error":"weights missing"}`)
	}
	os.Exit(0)
}

func runHelperWorker() {
	kind := ""
	for i, arg := range os.Args {
		if arg == "--kind" && i+1 < len(os.Args) {
			kind = os.Args[i+1]
		}
	}
	fmt.Println(`{"ready":true,"size_bytes":42}`)
	in := bufio.NewReader(os.Stdin)
	for {
		raw, err := in.ReadBytes('\n')
		if err == io.EOF {
			return
		}
		var msg struct {
			ID      int64                 `json:"id"`
			Request inference.UnitRequest `json:"request"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			os.Exit(4)
		}
		switch msg.Request.Unit {
		case 99:
			time.Sleep(10 * time.Second)
		case 98:
			fmt.Printf(`{"id":%d,"error":"gpu busy","retryable":true}`+"\n", msg.ID)
			continue
		case 97:
			os.Exit(3)
		}
		out, _ := json.Marshal(map[string]any{
			"kind":   kind,
			"unit":   msg.Request.Unit,
			"config": os.Getenv(stagecmd.ConfigEnv),
		})
		fmt.Printf(`{"id":%d,"output":%s}`+"\n", msg.ID, out)
	}
}

func helperSpec(t *testing.T, mode string) stagecmd.Spec {
	t.Helper()
	t.Setenv(helperEnv, mode)
	return stagecmd.Spec{
		Command:      os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess", "--"},
		Kind:         "asr",
		Config:       map[string]any{"size": "large"},
		StartTimeout: 10 * time.Second,
		CallTimeout:  500 * time.Millisecond,
		Logger:       logging.NewNop(),
	}
}

type unitReply struct {
	Kind   string `json:"kind"`
	Unit   int    `json:"unit"`
	Config string `json:"config"`
}

func callUnit(t *testing.T, w *stagecmd.Worker, unit int) (unitReply, error) {
	t.Helper()
	raw, err := w.Call(context.Background(), inference.UnitRequest{Stage: "draft", Unit: unit})
	if err != nil {
		return unitReply{}, err
	}
	var reply unitReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("decode reply %s: %v", raw, err)
	}
	return reply, nil
}

func TestWorkerRoundTrip(t *testing.T) {
	w, err := stagecmd.Start(context.Background(), helperSpec(t, "worker"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	if w.SizeBytes() != 42 {
		t.Fatalf("SizeBytes = %d, want 42", w.SizeBytes())
	}
	for unit := 0; unit < 3; unit++ {
		reply, err := callUnit(t, w, unit)
		if err != nil {
			t.Fatalf("Call(%d) failed: %v", unit, err)
		}
		if reply.Kind != "asr" || reply.Unit != unit || reply.Config != `{"size":"large"}` {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	}
}

func TestWorkerClassifiesFailuresAndRecovers(t *testing.T) {
	w, err := stagecmd.Start(context.Background(), helperSpec(t, "worker"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	if _, err := callUnit(t, w, 98); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("retryable worker error = %v, want ErrTransient", err)
	}
	if _, err := callUnit(t, w, 99); !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("slow unit = %v, want ErrTimeout", err)
	}
	if reply, err := callUnit(t, w, 1); err != nil || reply.Unit != 1 {
		t.Fatalf("worker should restart after a timeout: %+v, %v", reply, err)
	}
	if _, err := callUnit(t, w, 97); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("crashed worker = %v, want ErrExternalTool", err)
	}
	if reply, err := callUnit(t, w, 2); err != nil || reply.Unit != 2 {
		t.Fatalf("worker should restart after a crash: %+v, %v", reply, err)
	}
}

func TestWorkerStartFailsWhenNotReady(t *testing.T) {
	if _, err := stagecmd.Start(context.Background(), helperSpec(t, "not-ready")); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected start failure, got %v", err)
	}
	if _, err := stagecmd.Start(context.Background(), stagecmd.Spec{Kind: "asr"}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without a command, got %v", err)
	}
}

func TestLoaderServesModelCache(t *testing.T) {
	spec := helperSpec(t, "worker")
	cache := modelcache.New(modelcache.Options{Logger: logging.NewNop(), MemoryProbe: func(context.Context) (modelcache.MemoryStats, error) {
		return modelcache.MemoryStats{Total: 100, Available: 100}, nil
	}})
	cache.Register("asr", stagecmd.NewLoader(config.Runner{Command: spec.Command, Args: spec.Args, CallTimeoutSeconds: 5}, logging.NewNop()))

	handle, err := cache.Acquire(context.Background(), "asr", map[string]any{"size": "tiny"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	runner := stagecmd.NewRunner()
	var raw json.RawMessage
	err = handle.Use(context.Background(), func(ctx context.Context, inst modelcache.Instance) error {
		var callErr error
		raw, callErr = runner.RunUnit(ctx, inference.UnitRequest{Stage: "draft", Unit: 5}, inst)
		return callErr
	})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	var reply unitReply
	_ = json.Unmarshal(raw, &reply)
	if reply.Unit != 5 || reply.Config != `{"size":"tiny"}` {
		t.Fatalf("unexpected reply: %s", raw)
	}
	if status := cache.Status(); len(status) != 1 || status[0].SizeBytes != 42 {
		t.Fatalf("cache should record the worker size: %+v", status)
	}
	if err := cache.Release(handle); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if evicted, err := cache.Clear("asr"); evicted != 1 || err != nil {
		t.Fatalf("Clear = %d, %v", evicted, err)
	}

	if _, err := runner.RunUnit(context.Background(), inference.UnitRequest{Stage: "draft"}, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("nil model should be a configuration error, got %v", err)
	}
}

func TestRouterPredict(t *testing.T) {
	t.Setenv(helperEnv, "router")
	router := stagecmd.NewRouter(config.Routing{
		Enabled:        true,
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess", "--"},
		TimeoutSeconds: 10,
	})
	plan, err := router.Predict(context.Background(), inference.Features{JobID: "job", Segments: 4})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(plan.Skip) != 1 || plan.Skip[0] != "refinement" || plan.Confidence != 0.92 || plan.Source != "router" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	t.Setenv(helperEnv, "router-fail")
	if _, err := router.Predict(context.Background(), inference.Features{}); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("failing router = %v, want ErrExternalTool", err)
	}

	if stagecmd.NewRouter(config.Routing{Enabled: false, Command: "x"}) != nil {
		t.Fatal("disabled routing should yield no router")
	}
}
