package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Backend pairs a provider client with the model it should serve.
type Backend struct {
	Name   string // provider label for logs ("anthropic", "openai")
	Model  string
	Client Client
}

// MultiClient tries an ordered list of backends: the primary first,
// then each fallback in turn. Failover happens only on retryable
// provider errors (rate limits, 5xx, transport failures), never on
// request problems the next backend would hit too, and never once the
// caller's context is done.
//
// The model argument on Chat and ChatStream is ignored; each backend
// carries its own model.
type MultiClient struct {
	backends []Backend
	logger   *slog.Logger
}

// NewMultiClient creates a failover client over the given backends.
// The first backend is the primary.
func NewMultiClient(logger *slog.Logger, backends ...Backend) *MultiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiClient{
		backends: backends,
		logger:   logger.With("component", "llm"),
	}
}

// AddBackend appends a fallback backend.
func (m *MultiClient) AddBackend(name string, client Client, model string) {
	m.backends = append(m.backends, Backend{Name: name, Model: model, Client: client})
}

// Primary returns the primary backend, or nil if none is configured.
func (m *MultiClient) Primary() *Backend {
	if len(m.backends) == 0 {
		return nil
	}
	return &m.backends[0]
}

// Chat sends a non-streaming request, failing over across backends.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options) (*ChatResponse, error) {
	return m.do(ctx, func(b Backend) (*ChatResponse, error) {
		return b.Client.Chat(ctx, b.Model, messages, tools, opts)
	})
}

// ChatStream sends a streaming request, failing over across backends.
// A fallback is only attempted when the failed backend produced no
// tokens; once the callback has fired the stream belongs to that
// backend.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	return m.do(ctx, func(b Backend) (*ChatResponse, error) {
		started := false
		wrapped := func(ev StreamEvent) {
			started = true
			if callback != nil {
				callback(ev)
			}
		}
		resp, err := b.Client.ChatStream(ctx, b.Model, messages, tools, opts, wrapped)
		if err != nil && started {
			// Mid-stream failure: do not fail over, the caller has
			// already seen partial output.
			return nil, &midStreamError{err: err}
		}
		return resp, err
	})
}

// Ping checks the primary backend.
func (m *MultiClient) Ping(ctx context.Context) error {
	p := m.Primary()
	if p == nil {
		return fmt.Errorf("no model backends configured")
	}
	return p.Client.Ping(ctx)
}

func (m *MultiClient) do(ctx context.Context, call func(Backend) (*ChatResponse, error)) (*ChatResponse, error) {
	if len(m.backends) == 0 {
		return nil, fmt.Errorf("no model backends configured")
	}

	var lastErr error
	for i, b := range m.backends {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}

		resp, err := call(b)
		if err == nil {
			if i > 0 {
				m.logger.Info("model fallback succeeded", "backend", b.Name, "model", b.Model, "attempt", i+1)
			}
			return resp, nil
		}

		var mid *midStreamError
		if errors.As(err, &mid) {
			return nil, mid.err
		}

		lastErr = fmt.Errorf("%s (%s): %w", b.Name, b.Model, err)
		if !shouldFailover(err) {
			return nil, lastErr
		}
		if i < len(m.backends)-1 {
			m.logger.Warn("model backend failed, trying fallback",
				"backend", b.Name, "model", b.Model, "error", err)
		}
	}
	return nil, lastErr
}

// shouldFailover reports whether the error is worth retrying on a
// different backend. Provider errors consult their status code;
// anything else (transport, connection) is assumed transient.
func shouldFailover(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// midStreamError marks a failure that happened after tokens reached
// the caller, which must not trigger failover.
type midStreamError struct {
	err error
}

func (e *midStreamError) Error() string { return e.err.Error() }
func (e *midStreamError) Unwrap() error { return e.err }
