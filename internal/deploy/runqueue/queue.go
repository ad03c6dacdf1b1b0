// Package runqueue implements spec.md §4.5: the worker pool transforming
// Built -> Loading -> Running -> {Completed|Crashed|Stopped}, enforcing at
// most one Running deployment per service.
package runqueue

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deployengine/core/internal/deploy/cancel"
	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/capture"
	"github.com/deployengine/core/internal/deploy/model"
)

// Built is what the build queue (or the manager's startup recovery,
// synthesizing one for an already-Running row) forwards to this queue.
type Built struct {
	ID          uuid.UUID
	ServiceID   uuid.UUID
	ServiceName string
	Claim       map[string]string
}

// Queue is the run-queue worker pool. One goroutine per Push call; there is
// no global concurrency cap here (unlike the build queue) because load is
// naturally bounded by one active deployment per service.
type Queue struct {
	core     *capture.Core
	logger   *zap.Logger
	factory  capability.AbstractFactory
	loggers  capability.RuntimeLoggerFactory
	host     capability.RuntimeHost
	active   capability.ActiveDeploymentsGetter
	cancels  *cancel.Registry

	wg sync.WaitGroup
}

// New builds a Queue.
func New(core *capture.Core, factory capability.AbstractFactory, loggers capability.RuntimeLoggerFactory, host capability.RuntimeHost, active capability.ActiveDeploymentsGetter, cancels *cancel.Registry) *Queue {
	return &Queue{
		core:    core,
		logger:  zap.New(core),
		factory: factory,
		loggers: loggers,
		host:    host,
		active:  active,
		cancels: cancels,
	}
}

// Name implements system.Service.
func (q *Queue) Name() string { return "run-queue" }

// Start implements system.Service; work begins as soon as Push is called.
func (q *Queue) Start(ctx context.Context) error { return nil }

// Stop waits for every supervised deployment's goroutine to return. It does
// not kill running deployments, and neither does Manager.Stop; while one is
// still running, Stop returns ctx.Err() once ctx is done.
func (q *Queue) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push admits a Built item: preempts every other active deployment of the
// same service, then runs Loading -> Running to completion in a new
// goroutine.
func (q *Queue) Push(ctx context.Context, item Built) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx, item)
	}()
}

func (q *Queue) run(ctx context.Context, item Built) {
	if q.active != nil {
		others, err := q.active.GetActiveDeployments(ctx, item.ServiceID)
		if err == nil {
			for _, other := range others {
				if other == item.ID {
					continue
				}
				q.cancels.Kill(other)
			}
		}
	}

	cancelCtx := q.cancels.Track(ctx, item.ID)
	defer q.cancels.Untrack(item.ID)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		q.terminal(ctx, item.ID, model.StateCrashed)
		return
	}
	address := listener.Addr().String()

	loadCtx, logger, exit := capture.EnterState(cancelCtx, q.logger, q.core, item.ID, model.StateLoading, &address)
	factory, ferr := q.factory.GetFactory(loadCtx, item.ServiceName, item.ServiceName, item.ServiceID, item.ID, item.Claim)
	if ferr != nil {
		logger.Error("resolve provisioner factory failed", zap.Error(ferr))
		exit()
		listener.Close()
		q.terminal(ctx, item.ID, model.StateCrashed)
		return
	}

	var runtimeLogger capability.RuntimeLogger
	if q.loggers != nil {
		runtimeLogger = q.loggers.GetLogger(item.ID)
	}

	handle, lerr := q.host.Load(loadCtx, factory.GetBuildPath(), listener, factory, runtimeLogger)
	exit()
	if lerr != nil {
		listener.Close()
		q.terminal(ctx, item.ID, model.StateCrashed)
		return
	}

	_, runLogger, runExit := capture.EnterState(cancelCtx, q.logger, q.core, item.ID, model.StateRunning, &address)
	outcome, werr := handle.Wait(cancelCtx)
	runExit()

	if werr != nil {
		runLogger.Warn("supervised deployment wait returned error", zap.Error(werr))
	}

	switch outcome {
	case capability.OutcomeCompleted:
		q.terminal(ctx, item.ID, model.StateCompleted)
	case capability.OutcomeStopped:
		q.terminal(ctx, item.ID, model.StateStopped)
	default:
		q.terminal(ctx, item.ID, model.StateCrashed)
	}
}

// terminal emits the final state scope with no address, so the log router
// clears the deployment's socket (spec.md §4.5: "On any terminal outcome...
// with no address").
func (q *Queue) terminal(ctx context.Context, id uuid.UUID, state model.State) {
	_, logger, exit := capture.EnterState(ctx, q.logger, q.core, id, state, nil)
	defer exit()
	logger.Info(fmt.Sprintf("deployment reached %s", state))
}
