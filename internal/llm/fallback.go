package llm

import (
	"context"
	"log/slog"
)

// Fallback tries a secondary gateway when the primary fails, the way a
// smaller local model can stand in for a busy hosted one.
type Fallback struct {
	primary   Gateway
	secondary Gateway
	logger    *slog.Logger
}

// NewFallback returns primary unchanged when secondary is nil.
func NewFallback(primary, secondary Gateway, logger *slog.Logger) Gateway {
	if secondary == nil {
		return primary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Send implements Gateway. If both fail, the secondary's error is
// returned.
func (f *Fallback) Send(ctx context.Context, prompt Prompt) (string, error) {
	resp, err := f.primary.Send(ctx, prompt)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	f.logger.Warn("primary model failed, trying fallback",
		"kind", KindOf(err),
		"error", err,
	)
	return f.secondary.Send(ctx, prompt)
}

// Ping reports healthy when either gateway answers. Gateways that
// cannot ping count as healthy.
func (f *Fallback) Ping(ctx context.Context) error {
	err := ping(ctx, f.primary)
	if err == nil {
		return nil
	}
	if ping(ctx, f.secondary) == nil {
		return nil
	}
	return err
}

func ping(ctx context.Context, g Gateway) error {
	if p, ok := g.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
