// Package router implements spec.md §4.3: the single async worker sitting
// between the capture layer (arbitrary threads, some non-async) and the
// durable store, connected by a bounded-rendezvous hand-off that provides
// back-pressure, and fanning every log out to a broadcast stream.
package router

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/model"
	"github.com/deployengine/core/pkg/opsserver"
)

// Entry is one item traveling through the router: the capture layer's
// capability.LogEntry plus the context it was recorded under (used only
// for cancellation/trace propagation, never for ordering — the ingress
// channel itself is what makes emission order FIFO).
type Entry struct {
	Ctx context.Context
	Log capability.LogEntry
}

// Router owns the rendezvous ingress channel, the single worker goroutine,
// and the broadcast fan-out. It implements capture.Sink so the capture
// layer can hand entries straight to it.
type Router struct {
	ingress   chan Entry
	broadcast *Broadcast
	recorder  capability.LogRecorder
	log       *logrus.Logger

	wg     sync.WaitGroup
	done   chan struct{}
	closed sync.Once
}

// New builds a Router. recorder is the persistence layer's LogRecorder
// capability; log is used only for the router's own trace-level failure
// logging (spec.md §7: persistence errors inside the router are trace-
// logged and swallowed).
func New(recorder capability.LogRecorder, log *logrus.Logger) *Router {
	return &Router{
		ingress:   make(chan Entry), // capacity 0: mandatory rendezvous, spec.md §4.3/§9
		broadcast: NewBroadcast(),
		recorder:  recorder,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Accept implements capture.Sink. It blocks the calling goroutine until the
// router's worker accepts the entry — this is the back-pressure mechanism:
// if the store stalls, the pipeline worker stalls with it.
func (r *Router) Accept(ctx context.Context, entry capability.LogEntry) {
	select {
	case r.ingress <- Entry{Ctx: ctx, Log: entry}:
	case <-r.done:
	}
}

// Subscribe returns a live handle to the broadcast stream.
func (r *Router) Subscribe() *Subscription {
	return r.broadcast.Subscribe()
}

// Name implements system.Service.
func (r *Router) Name() string { return "log-router" }

// Start launches the single worker loop. Implements system.Service.
func (r *Router) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop closes the ingress path and waits for the worker to drain remaining
// items, matching spec.md §4.3's "closing the ingress channel drains
// remaining items then terminates the task."
func (r *Router) Stop(ctx context.Context) error {
	r.closed.Do(func() { close(r.done) })
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case entry := <-r.ingress:
			r.process(entry)
		case <-r.done:
			r.drain()
			return
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

// drain empties any entries still queued behind a concurrent Accept call
// that already committed to the rendezvous send before shutdown began.
func (r *Router) drain() {
	for {
		select {
		case entry := <-r.ingress:
			r.process(entry)
		default:
			return
		}
	}
}

func (r *Router) process(entry Entry) {
	log := entry.Log
	ctx := entry.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	switch model.LogKind(log.Kind) {
	case model.LogKindEvent:
		if err := r.recorder.Record(ctx, log); err != nil {
			r.log.WithError(err).Trace("log router: persist event log")
		}
	case model.LogKindState:
		stateLog := log
		stateLog.Target = ""
		stateLog.Fields = []byte(`"` + model.StateSentinel + `"`)
		if err := r.recorder.Record(ctx, stateLog); err != nil {
			r.log.WithError(err).Trace("log router: persist state log")
		}
		if err := r.recorder.UpdateDeployment(ctx, log.DeploymentID, log.State, log.Address); err != nil {
			r.log.WithError(err).Trace("log router: update deployment")
		}
		opsserver.RecordTransition(log.State)
	}

	r.broadcast.Publish(log)
}
