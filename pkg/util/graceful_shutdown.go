package util

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown manages ordered shutdown of the process's resources.
// Resources shut down in ascending priority order, so outward-facing
// surfaces drain before the transports they depend on close.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource is one resource to shut down.
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a shutdown manager with an overall timeout.
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down.
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown.
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			return closer.Close()
		},
	})
}

// RegisterFunc registers a context-free shutdown function.
func (gs *GracefulShutdown) RegisterFunc(name string, fn func(), priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			fn()
			return nil
		},
	})
}

// Shutdown closes every registered resource in priority order. One
// failing resource does not stop the rest; all failures come back in a
// single error.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var failures []error
	for _, resource := range resources {
		if err := gs.shutdownOne(shutdownCtx, resource); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return &MultiShutdownError{Errors: failures}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, resource ShutdownResource) error {
	gs.logger.WithField("resource", resource.Name).Debug("Shutting down resource")

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				gs.logger.WithFields(logrus.Fields{
					"panic":    r,
					"resource": resource.Name,
				}).Error("Panic during resource shutdown")
				done <- &ShutdownPanicError{Resource: resource.Name, Panic: r}
			}
		}()
		done <- resource.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.WithError(err).WithField("resource", resource.Name).Error("Error shutting down resource")
			// Panic errors already name the resource; only plain
			// shutdown failures need wrapping.
			if _, isPanic := err.(*ShutdownPanicError); isPanic {
				return err
			}
			return &ShutdownError{Resource: resource.Name, Err: err}
		}
		gs.logger.WithField("resource", resource.Name).Debug("Resource shut down successfully")
		return nil
	case <-ctx.Done():
		gs.logger.WithField("resource", resource.Name).Warn("Shutdown timeout for resource")
		return &ShutdownTimeoutError{Resource: resource.Name}
	}
}

// ShutdownError wraps a resource's shutdown failure.
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError reports a resource that did not stop in time.
type ShutdownTimeoutError struct {
	Resource string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown timeout for " + e.Resource
}

// ShutdownPanicError reports a resource whose shutdown panicked.
type ShutdownPanicError struct {
	Resource string
	Panic    interface{}
}

func (e *ShutdownPanicError) Error() string {
	return fmt.Sprintf("panic during shutdown of %s: %v", e.Resource, e.Panic)
}

// MultiShutdownError aggregates every failure from one Shutdown pass.
type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	return fmt.Sprintf("%d errors during shutdown", len(e.Errors))
}
