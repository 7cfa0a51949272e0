package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
)

// Shutdown priorities. Lower numbers stop first: stop accepting traffic,
// then drain sessions so their summaries reach the stores and brokers,
// then close the stores and brokers themselves.
const (
	PriorityFrontend = 0
	PrioritySessions = 10
	PriorityAlerts   = 20
	PriorityBackends = 30
	PriorityWorkers  = 40
	PriorityTracing  = 50
)

// ShutdownResource is one component stopped during graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int
}

// GracefulShutdown stops registered resources in priority order. Resources
// sharing a priority stop concurrently.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Entry
	timeout   time.Duration
}

// NewGracefulShutdown creates a shutdown plan bounded by timeout overall
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		logger:  logger.WithField("component", "shutdown"),
		timeout: timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})
}

// RegisterCloser registers a Close method for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, priority int, closer func() error) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error { return closer() },
	})
}

// Shutdown runs every resource once. Failures are collected, never stop
// later resources, and are returned together.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := append([]ShutdownResource(nil), gs.resources...)
	gs.resources = nil
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var failed []string
	for start := 0; start < len(resources); {
		end := start
		for end < len(resources) && resources[end].Priority == resources[start].Priority {
			end++
		}
		failed = append(failed, gs.runGroup(shutdownCtx, resources[start:end])...)
		start = end
	}

	if len(failed) > 0 {
		return errors.New("graceful shutdown incomplete").WithField("resources", failed)
	}
	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) runGroup(ctx context.Context, group []ShutdownResource) []string {
	results := make([]error, len(group))
	var wg sync.WaitGroup
	for i, res := range group {
		wg.Add(1)
		go func(i int, res ShutdownResource) {
			defer wg.Done()
			results[i] = gs.run(ctx, res)
		}(i, res)
	}
	wg.Wait()

	var failed []string
	for i, err := range results {
		if err != nil {
			gs.logger.WithError(err).WithField("resource", group[i].Name).Error("Error shutting down resource")
			failed = append(failed, group[i].Name)
		}
	}
	return failed
}

func (gs *GracefulShutdown) run(ctx context.Context, res ShutdownResource) (err error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New(fmt.Sprintf("panic during shutdown: %v", r))
			}
		}()
		done <- res.Shutdown(ctx)
	}()

	select {
	case err = <-done:
		if err == nil {
			gs.logger.WithField("resource", res.Name).Debug("Resource shut down successfully")
		}
		return err
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "shutdown timed out").WithField("resource", res.Name)
	}
}
