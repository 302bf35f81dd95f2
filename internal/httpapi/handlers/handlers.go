// Package handlers implements the job API endpoints.
package handlers

import (
	"context"
	"time"

	"avs/internal/events"
	"avs/internal/jobs"
	"avs/internal/pkg/logger"
	"avs/internal/ports"
	"avs/internal/providers"
)

// Dispatcher hands a submitted job to an executor and forwards cancel
// requests. worker.InlineDispatcher and worker.QueueDispatcher implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	// Cancel reports whether an executor received the request.
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Check probes one dependency for /health.
type Check func(ctx context.Context) error

type Deps struct {
	Store      jobs.Store
	Bus        *events.Bus
	Dispatcher Dispatcher
	// Providers and SP are optional.
	Providers *providers.Set
	SP        ports.StorageProvider
	// Checks are run by /health?deep=true, keyed by dependency name.
	Checks         map[string]Check
	StreamInterval time.Duration
	Log            *logger.Logger
}

type Handler struct {
	store      jobs.Store
	bus        *events.Bus
	dispatcher Dispatcher
	providers  *providers.Set
	sp         ports.StorageProvider
	checks     map[string]Check
	interval   time.Duration
	log        *logger.Logger
	now        func() time.Time
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	interval := d.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{
		store:      d.Store,
		bus:        d.Bus,
		dispatcher: d.Dispatcher,
		providers:  d.Providers,
		sp:         d.SP,
		checks:     d.Checks,
		interval:   interval,
		log:        log.WithComponent("api"),
		now:        time.Now,
	}
}
