// Package mixer selects among ordered providers of one capability and falls
// back to the next candidate when one fails.
package mixer

import (
	"context"
	"strings"

	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
)

// Candidate is the minimum every provider exposes.
type Candidate interface {
	Name() string
	IsAvailable(ctx context.Context) bool
}

// ErrNoProvider matches (via errors.Is) the error returned once every
// candidate was unavailable or failed.
var ErrNoProvider = errors.New(errors.CodeNoProvider, "no provider available")

// IsNoProvider reports whether err is an exhaustion error.
func IsNoProvider(err error) bool {
	return errors.IsCode(err, errors.CodeNoProvider)
}

// Options tune a Mixer.
type Options struct {
	// AutoFallback moves to the next candidate when an invocation fails.
	// Without it only the first available candidate is tried.
	AutoFallback bool
}

// Mixer holds the candidates for one capability (kind), in preference order.
type Mixer[P Candidate] struct {
	kind       string
	candidates []P
	opts       Options
	log        *logger.Logger
}

func New[P Candidate](kind string, candidates []P, opts Options, log *logger.Logger) *Mixer[P] {
	if log == nil {
		log = logger.NewNop()
	}
	return &Mixer[P]{
		kind:       kind,
		candidates: candidates,
		opts:       opts,
		log:        log.WithComponent("mixer").WithFields(map[string]any{"kind": kind}),
	}
}

func (m *Mixer[P]) Kind() string { return m.kind }

// Candidates returns the configured providers in order. A nil mixer has none.
func (m *Mixer[P]) Candidates() []P {
	if m == nil {
		return nil
	}
	return append([]P(nil), m.candidates...)
}

// Select returns the first available candidate.
func (m *Mixer[P]) Select(ctx context.Context) (P, error) {
	var zero P
	for _, c := range m.candidates {
		if err := ctx.Err(); err != nil {
			return zero, errors.WrapWithCode(err, errors.CodeCancelled, "mixer.select", "selection cancelled")
		}
		if c.IsAvailable(ctx) {
			m.log.FromContext(ctx).Info("provider selected", "provider", c.Name())
			return c, nil
		}
		m.log.FromContext(ctx).Debug("provider unavailable", "provider", c.Name())
	}
	return zero, m.noProvider(nil)
}

// Invoke runs fn on available candidates in order and returns the name of
// the one that succeeded. Cancellation stops the walk immediately. When every
// candidate is exhausted the error is ErrNoProvider with the individual
// failures attached as fields, never the last raw error.
func (m *Mixer[P]) Invoke(ctx context.Context, fn func(ctx context.Context, p P) error) (string, error) {
	failures := map[string]string{}
	log := m.log.FromContext(ctx)

	for _, c := range m.candidates {
		if err := ctx.Err(); err != nil {
			return "", errors.WrapWithCode(err, errors.CodeCancelled, "mixer.invoke", "invocation cancelled")
		}
		name := c.Name()
		if !c.IsAvailable(ctx) {
			failures[name] = "unavailable"
			continue
		}

		err := fn(ctx, c)
		if err == nil {
			log.Info("provider succeeded", "provider", name)
			return name, nil
		}
		if errors.IsCancelled(err) {
			return "", err
		}

		failures[name] = err.Error()
		if !m.opts.AutoFallback {
			log.Warn("provider failed, fallback disabled", "provider", name, "error", err.Error())
			return "", m.noProvider(failures)
		}
		log.Warn("provider failed, trying next", "provider", name, "error", err.Error())
	}
	return "", m.noProvider(failures)
}

func (m *Mixer[P]) noProvider(failures map[string]string) error {
	e := errors.Newf(errors.CodeNoProvider, "no %s provider available", m.kind).
		WithField("kind", m.kind)
	if len(failures) > 0 {
		tried := make([]string, 0, len(failures))
		for _, c := range m.candidates {
			if reason, ok := failures[c.Name()]; ok {
				tried = append(tried, c.Name()+": "+reason)
			}
		}
		e = e.WithField("tried", strings.Join(tried, "; "))
	}
	return e
}
