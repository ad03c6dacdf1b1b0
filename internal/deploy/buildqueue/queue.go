// Package buildqueue implements spec.md §4.4: the worker pool that
// transforms a Queued item into a Built one. Builds of one service run one
// at a time in FIFO order; builds of different services run concurrently up
// to a configurable cap, and the order in which they start is not defined.
package buildqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deployengine/core/internal/deploy/cancel"
	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/capture"
	"github.com/deployengine/core/internal/deploy/model"
	"github.com/deployengine/core/pkg/opsserver"
)

// Queued is one source tree ready to build. Data is a gzipped tar of the
// project source; tracing_context from spec.md §4.4 has no Go analogue — the
// context.Context passed to Push carries that role directly.
type Queued struct {
	ID           uuid.UUID
	ServiceID    uuid.UUID
	ServiceName  string
	Data         []byte
	WillRunTests bool
	Claim        map[string]string
}

// Built is what the build queue forwards to the run queue on success.
type Built struct {
	ID          uuid.UUID
	ServiceID   uuid.UUID
	ServiceName string
	Claim       map[string]string
}

// Pusher is the run queue's admission capability, so this package never
// imports runqueue directly (cycle-free ownership, spec.md §9).
type Pusher interface {
	Push(ctx context.Context, built Built)
}

type job struct {
	ctx context.Context
	q   Queued
}

// Queue is the build-queue worker pool.
type Queue struct {
	core        *capture.Core
	logger      *zap.Logger
	client      capability.BuildQueueClient
	builder     capability.Builder
	cancels     *cancel.Registry
	runQueue    Pusher
	gitInfo     capability.GitInfoRecorder
	artifactsRoot string
	concurrency int

	mu          sync.Mutex
	pending     map[uuid.UUID][]job
	active      map[uuid.UUID]bool
	sem         chan struct{}
	activeCount atomic.Int32
	wg          sync.WaitGroup
}

// New builds a Queue. concurrency must be >= 1; artifactsRoot is the
// directory each deployment's working directory is created under.
func New(core *capture.Core, client capability.BuildQueueClient, builder capability.Builder, cancels *cancel.Registry, runQueue Pusher, gitInfo capability.GitInfoRecorder, artifactsRoot string, concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		core:          core,
		logger:        zap.New(core),
		client:        client,
		builder:       builder,
		cancels:       cancels,
		runQueue:      runQueue,
		gitInfo:       gitInfo,
		artifactsRoot: artifactsRoot,
		concurrency:   concurrency,
		pending:       make(map[uuid.UUID][]job),
		active:        make(map[uuid.UUID]bool),
		sem:           make(chan struct{}, concurrency),
	}
}

// Name implements system.Service.
func (q *Queue) Name() string { return "build-queue" }

// Start implements system.Service; the queue has no background loop of its
// own to launch — work begins as soon as Push is called.
func (q *Queue) Start(ctx context.Context) error { return nil }

// Stop waits for every in-flight build to finish.
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

// Push enqueues a Queued item, preserving FIFO order within its service
// while allowing distinct services to build concurrently up to the
// configured cap.
func (q *Queue) Push(ctx context.Context, item Queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[item.ServiceID] = append(q.pending[item.ServiceID], job{ctx: ctx, q: item})
	if !q.active[item.ServiceID] {
		q.dispatchLocked(item.ServiceID)
	}
}

// dispatchLocked must be called with q.mu held. It pops the head job for
// serviceID and launches it in a new goroutine, gated by the global
// concurrency semaphore.
func (q *Queue) dispatchLocked(serviceID uuid.UUID) {
	queue := q.pending[serviceID]
	if len(queue) == 0 {
		q.active[serviceID] = false
		return
	}
	next := queue[0]
	q.pending[serviceID] = queue[1:]
	q.active[serviceID] = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.sem <- struct{}{}
		opsserver.SetActiveBuilds(int(q.activeCount.Add(1)))
		q.run(next)
		opsserver.SetActiveBuilds(int(q.activeCount.Add(-1)))
		<-q.sem

		q.mu.Lock()
		defer q.mu.Unlock()
		q.dispatchLocked(serviceID)
	}()
}

func (q *Queue) run(j job) {
	item := j.q
	start := time.Now()
	ctx, logger, exit := capture.EnterState(j.ctx, q.logger, q.core, item.ID, model.StateBuilding, nil)
	defer exit()

	granted, err := q.client.GetSlot(ctx, item.ID)
	if err != nil || !granted {
		if err != nil {
			logger.Warn("build slot request failed", zap.Error(err))
		} else {
			logger.Warn("build slot denied")
		}
		q.stop(j.ctx, item.ID)
		opsserver.RecordBuildDuration("stopped", time.Since(start))
		return
	}
	releaseOnce := sync.Once{}
	release := func() {
		releaseOnce.Do(func() {
			if relErr := q.client.ReleaseSlot(context.Background(), item.ID); relErr != nil {
				logger.Warn("release build slot failed", zap.Error(relErr))
			}
		})
	}
	defer release()

	cancelCtx := q.cancels.Track(ctx, item.ID)
	defer q.cancels.Untrack(item.ID)

	workdir, err := unpack(q.artifactsRoot, item.ServiceName, item.ID, item.Data)
	if err != nil {
		logger.Error("unpack failed", zap.Error(err))
		release()
		q.crash(j.ctx, item.ID)
		opsserver.RecordBuildDuration("crashed", time.Since(start))
		return
	}

	if q.gitInfo != nil {
		info := readGitInfo(workdir)
		if err := q.gitInfo.UpdateGitInfo(ctx, item.ID, info.commitID, info.branch); err != nil {
			logger.Warn("record git info failed", zap.Error(err))
		}
	}

	if err := q.builder.Compile(cancelCtx, workdir); err != nil {
		release()
		if errors.Is(cancelCtx.Err(), context.Canceled) {
			q.stop(j.ctx, item.ID)
			opsserver.RecordBuildDuration("stopped", time.Since(start))
		} else {
			logger.Error("compile failed", zap.Error(err))
			q.crash(j.ctx, item.ID)
			opsserver.RecordBuildDuration("crashed", time.Since(start))
		}
		return
	}

	if item.WillRunTests {
		if err := q.builder.Test(cancelCtx, workdir); err != nil {
			release()
			if errors.Is(cancelCtx.Err(), context.Canceled) {
				q.stop(j.ctx, item.ID)
				opsserver.RecordBuildDuration("stopped", time.Since(start))
			} else {
				logger.Error("tests failed", zap.Error(err))
				q.crash(j.ctx, item.ID)
				opsserver.RecordBuildDuration("crashed", time.Since(start))
			}
			return
		}
	}

	release()
	q.emitBuilt(j.ctx, item)
	opsserver.RecordBuildDuration("built", time.Since(start))
}

func (q *Queue) stop(ctx context.Context, id uuid.UUID) {
	_, logger, exit := capture.EnterState(ctx, q.logger, q.core, id, model.StateStopped, nil)
	defer exit()
	logger.Info("build stopped")
}

func (q *Queue) crash(ctx context.Context, id uuid.UUID) {
	_, logger, exit := capture.EnterState(ctx, q.logger, q.core, id, model.StateCrashed, nil)
	defer exit()
	logger.Info("build crashed")
}

func (q *Queue) emitBuilt(ctx context.Context, item Queued) {
	builtCtx, _, exit := capture.EnterState(ctx, q.logger, q.core, item.ID, model.StateBuilt, nil)
	defer exit()

	if q.runQueue != nil {
		q.runQueue.Push(builtCtx, Built{
			ID:          item.ID,
			ServiceID:   item.ServiceID,
			ServiceName: item.ServiceName,
			Claim:       item.Claim,
		})
	}
}
