package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"reel/internal/inference"
	"reel/internal/logging"
	"reel/internal/services"
	"reel/internal/stage"
)

type base struct {
	desc   stage.Descriptor
	logger *slog.Logger
}

func newBase(desc stage.Descriptor, logger *slog.Logger) base {
	return base{desc: desc, logger: logging.NewComponentLogger(logger, "stage."+string(desc.Kind))}
}

func (b base) Descriptor() stage.Descriptor { return b.desc }

func (b base) HealthCheck(_ context.Context, w stage.Wiring) stage.Health {
	return w.CheckModel(b.desc)
}

func (b base) loggerFor(ctx context.Context, env *stage.Env) *slog.Logger {
	if env != nil && env.Logger != nil {
		return env.Logger
	}
	return logging.WithContext(ctx, b.logger)
}

func (b base) request(unit, units int, payload any) (inference.UnitRequest, error) {
	req := inference.UnitRequest{
		StageKind: string(b.desc.Kind),
		Stage:     b.desc.Name,
		Unit:      unit,
		Units:     units,
		Config:    b.desc.ModelConfig,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return req, fmt.Errorf("encode %s unit %d payload: %w", b.desc.Name, unit, err)
		}
		req.Payload = raw
	}
	return req, nil
}

// call sends one unit to the runner and decodes the reply into out.
func (b base) call(ctx context.Context, env *stage.Env, req inference.UnitRequest, out any) error {
	raw, err := env.Call(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return services.Wrap(services.ErrExternalTool, b.desc.Name, "decode unit output",
			fmt.Sprintf("runner returned malformed output for unit %d", req.Unit), err)
	}
	return nil
}

func encode(stageName string, v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", stageName, err)
	}
	return raw, nil
}

func decodeUnits[T any](stageName string, units []json.RawMessage) ([]T, error) {
	out := make([]T, len(units))
	for i, raw := range units {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, services.Wrap(services.ErrCorruptCheckpoint, stageName, "decode unit", fmt.Sprintf("unit %d output is unreadable", i), err)
		}
	}
	return out, nil
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	return max(0, min(aEnd, bEnd)-max(aStart, bStart))
}
