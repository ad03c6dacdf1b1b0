// Package manager implements spec.md §4.6: the top-level facade owning the
// build queue, run queue, log router, and their shared cancellation
// registry, plus the startup recovery sequence.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deployengine/core/internal/deploy/buildqueue"
	"github.com/deployengine/core/internal/deploy/cancel"
	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/capture"
	"github.com/deployengine/core/internal/deploy/model"
	"github.com/deployengine/core/internal/deploy/router"
	"github.com/deployengine/core/internal/deploy/runqueue"
	"github.com/deployengine/core/internal/system"
	"github.com/deployengine/core/pkg/logger"
)

// recoveryStore is the slice of the persistence layer the manager itself
// drives directly: service/deployment admission and startup recovery.
// *store.Store satisfies this (and the broader capability interfaces)
// without this package importing the concrete store type.
type recoveryStore interface {
	capability.ActiveDeploymentsGetter
	capability.AddressGetter
	GetOrCreateService(ctx context.Context, name string) (model.Service, error)
	InsertDeployment(ctx context.Context, d model.Deployment) error
	CleanupInvalidStates(ctx context.Context) error
	GetAllRunnableDeployments(ctx context.Context) ([]model.Deployment, error)
	GetAllTransientDeployments(ctx context.Context) ([]model.Deployment, error)
}

// Option customizes Manager construction, in the shape of
// internal/app.Option/builderConfig/resolveBuilderOptions.
type Option func(*builderConfig)

type builderConfig struct {
	store               recoveryStore
	recorder            capability.LogRecorder
	abstractFactory     capability.AbstractFactory
	runtimeLoggerFactory capability.RuntimeLoggerFactory
	runtimeHost         capability.RuntimeHost
	builder             capability.Builder
	queueClient         capability.BuildQueueClient
	gitInfo             capability.GitInfoRecorder
	artifactsPath       string
	buildConcurrency    int
	reconcileSpec       string
	log                 *logger.Logger
}

type resolvedConfig struct {
	store                recoveryStore
	recorder             capability.LogRecorder
	abstractFactory      capability.AbstractFactory
	runtimeLoggerFactory capability.RuntimeLoggerFactory
	runtimeHost          capability.RuntimeHost
	builder              capability.Builder
	queueClient          capability.BuildQueueClient
	gitInfo              capability.GitInfoRecorder
	artifactsPath        string
	buildConcurrency     int
	reconcileSpec        string
	log                  *logger.Logger
}

// WithStore supplies the persistence capability: service/deployment
// admission, address lookups, and startup recovery queries.
func WithStore(store recoveryStore) Option {
	return func(b *builderConfig) { b.store = store }
}

// WithLogRecorder supplies the LogRecorder the log router persists through.
func WithLogRecorder(recorder capability.LogRecorder) Option {
	return func(b *builderConfig) { b.recorder = recorder }
}

// WithAbstractFactory supplies the per-deployment provisioner factory
// constructor the run queue calls during Loading.
func WithAbstractFactory(factory capability.AbstractFactory) Option {
	return func(b *builderConfig) { b.abstractFactory = factory }
}

// WithRuntimeLoggerFactory supplies the per-deployment stdout/stderr sink
// factory.
func WithRuntimeLoggerFactory(factory capability.RuntimeLoggerFactory) Option {
	return func(b *builderConfig) { b.runtimeLoggerFactory = factory }
}

// WithRuntimeHost supplies the external runtime-host execution mechanism.
func WithRuntimeHost(host capability.RuntimeHost) Option {
	return func(b *builderConfig) { b.runtimeHost = host }
}

// WithBuilder supplies the compiler/test-runner invocation.
func WithBuilder(builder capability.Builder) Option {
	return func(b *builderConfig) { b.builder = builder }
}

// WithQueueClient supplies the build-slot arbiter client.
func WithQueueClient(client capability.BuildQueueClient) Option {
	return func(b *builderConfig) { b.queueClient = client }
}

// WithGitInfoRecorder supplies the optional git-metadata recorder.
func WithGitInfoRecorder(recorder capability.GitInfoRecorder) Option {
	return func(b *builderConfig) { b.gitInfo = recorder }
}

// WithArtifactsPath sets the root directory builds unpack under.
func WithArtifactsPath(path string) Option {
	return func(b *builderConfig) { b.artifactsPath = path }
}

// WithBuildConcurrency sets the global concurrent-build cap (default 2, an
// Open Question resolution per spec.md §9/SPEC_FULL.md §4.1).
func WithBuildConcurrency(n int) Option {
	return func(b *builderConfig) { b.buildConcurrency = n }
}

// WithReconcileSpec overrides the reconciliation sweep's cron spec (default
// "@every 1m").
func WithReconcileSpec(spec string) Option {
	return func(b *builderConfig) { b.reconcileSpec = spec }
}

// WithLogger overrides the manager's own process logger.
func WithLogger(log *logger.Logger) Option {
	return func(b *builderConfig) { b.log = log }
}

func resolveBuilderOptions(opts ...Option) resolvedConfig {
	cfg := builderConfig{buildConcurrency: 2, artifactsPath: "./artifacts"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.log == nil {
		cfg.log = logger.NewDefault("deploy-manager")
	}
	if cfg.buildConcurrency < 1 {
		cfg.buildConcurrency = 1
	}
	return resolvedConfig{
		store:                cfg.store,
		recorder:             cfg.recorder,
		abstractFactory:      cfg.abstractFactory,
		runtimeLoggerFactory: cfg.runtimeLoggerFactory,
		runtimeHost:          cfg.runtimeHost,
		builder:              cfg.builder,
		queueClient:          cfg.queueClient,
		gitInfo:              cfg.gitInfo,
		artifactsPath:        cfg.artifactsPath,
		buildConcurrency:     cfg.buildConcurrency,
		reconcileSpec:        cfg.reconcileSpec,
		log:                  cfg.log,
	}
}

// QueueRequest is the manager-facing shape of a new build submission;
// service_id/tracing_context from spec.md §4.4 have no caller-visible
// analogue here — the service is resolved/created by name and the
// context.Context passed to QueuePush carries the tracing role.
type QueueRequest struct {
	ServiceName  string
	Data         []byte
	WillRunTests bool
	Claim        map[string]string
}

// Manager is the deployment engine's top-level facade.
type Manager struct {
	sys     *system.Manager
	store   recoveryStore
	cancels *cancel.Registry
	build   *buildqueue.Queue
	run     *runqueue.Queue
	router  *router.Router
	core    *capture.Core
	zapLog  *zap.Logger
	log     *logger.Logger
}

// New builds a Manager from the given options, wiring the log router, build
// queue, run queue, and reconciliation sweep but not yet starting them.
func New(opts ...Option) (*Manager, error) {
	cfg := resolveBuilderOptions(opts...)

	missing := map[string]bool{
		"store":          cfg.store == nil,
		"log recorder":   cfg.recorder == nil,
		"abstract factory": cfg.abstractFactory == nil,
		"runtime host":   cfg.runtimeHost == nil,
		"builder":        cfg.builder == nil,
		"queue client":   cfg.queueClient == nil,
	}
	for name, isMissing := range missing {
		if isMissing {
			return nil, fmt.Errorf("deploy manager: required capability %q not supplied", name)
		}
	}

	cancels := cancel.New()

	rtr := router.New(cfg.recorder, cfg.log.Logger)
	wiredCore := capture.NewCore(context.Background(), rtr, zapcore.InfoLevel)

	runQ := runqueue.New(wiredCore, cfg.abstractFactory, cfg.runtimeLoggerFactory, cfg.runtimeHost, cfg.store, cancels)
	buildQ := buildqueue.New(wiredCore, cfg.queueClient, cfg.builder, cancels, runQueueAdapter{runQ}, cfg.gitInfo, cfg.artifactsPath, cfg.buildConcurrency)

	sys := system.NewManager()
	if err := sys.Register(rtr); err != nil {
		return nil, err
	}
	if err := sys.Register(buildQ); err != nil {
		return nil, err
	}
	if err := sys.Register(runQ); err != nil {
		return nil, err
	}
	if err := sys.Register(newReconciler(cfg.store, cancels, wiredCore, cfg.log.Logger, cfg.reconcileSpec)); err != nil {
		return nil, err
	}

	return &Manager{
		sys:     sys,
		store:   cfg.store,
		cancels: cancels,
		build:   buildQ,
		run:     runQ,
		router:  rtr,
		core:    wiredCore,
		zapLog:  zap.New(wiredCore),
		log:     cfg.log,
	}, nil
}

// runQueueAdapter bridges buildqueue.Pusher to runqueue.Queue.Push, keeping
// the two queue packages independent of each other's types (spec.md §9
// "cycle-free ownership").
type runQueueAdapter struct{ rq *runqueue.Queue }

func (a runQueueAdapter) Push(ctx context.Context, built buildqueue.Built) {
	a.rq.Push(ctx, runqueue.Built{
		ID:          built.ID,
		ServiceID:   built.ServiceID,
		ServiceName: built.ServiceName,
		Claim:       built.Claim,
	})
}

// Attach registers an additional lifecycle-managed component (e.g. the ops
// server) alongside the engine's own queues, started and stopped in the
// same ordered sequence. Must be called before Start.
func (m *Manager) Attach(svc system.Service) error {
	return m.sys.Register(svc)
}

// Start starts every registered component, then runs spec.md §4.6's
// startup recovery sequence.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sys.Start(ctx); err != nil {
		return err
	}
	return m.recover(ctx)
}

// Stop stops every registered component in reverse order.
func (m *Manager) Stop(ctx context.Context) error {
	return m.sys.Stop(ctx)
}

// recover implements the exact three-step sequence of spec.md §4.6.
func (m *Manager) recover(ctx context.Context) error {
	if err := m.store.CleanupInvalidStates(ctx); err != nil {
		return fmt.Errorf("deploy manager: startup recovery cleanup: %w", err)
	}
	rows, err := m.store.GetAllRunnableDeployments(ctx)
	if err != nil {
		return fmt.Errorf("deploy manager: startup recovery list runnable: %w", err)
	}
	for _, d := range rows {
		m.run.Push(ctx, runqueue.Built{ID: d.ID, ServiceID: d.ServiceID, ServiceName: d.ServiceName})
	}
	return nil
}

// QueuePush enqueues a new build (spec.md §4.6 queue_push), creating the
// service row if needed and inserting the deployment in its initial Queued
// state before handing it to the build queue.
func (m *Manager) QueuePush(ctx context.Context, req QueueRequest) (uuid.UUID, error) {
	svc, err := m.store.GetOrCreateService(ctx, req.ServiceName)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	dep := model.Deployment{
		ID:          id,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		State:       model.StateQueued,
		LastUpdate:  time.Now().UTC(),
	}
	if err := m.store.InsertDeployment(ctx, dep); err != nil {
		return uuid.Nil, err
	}

	queuedCtx, _, exit := capture.EnterState(ctx, m.zapLog, m.core, id, model.StateQueued, nil)
	defer exit()

	m.build.Push(queuedCtx, buildqueue.Queued{
		ID:           id,
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		Data:         req.Data,
		WillRunTests: req.WillRunTests,
		Claim:        req.Claim,
	})
	return id, nil
}

// RunPush enqueues a pre-built deployment directly onto the run queue
// (spec.md §4.6 run_push).
func (m *Manager) RunPush(ctx context.Context, built runqueue.Built) {
	m.run.Push(ctx, built)
}

// Kill delivers a cancellation signal to whichever queue currently owns the
// deployment; idempotent for terminal or unknown deployments.
func (m *Manager) Kill(id uuid.UUID) {
	m.cancels.Kill(id)
}

// Subscribe returns a live handle to the broadcast log stream.
func (m *Manager) Subscribe() *router.Subscription {
	return m.router.Subscribe()
}

// GetAddressForService implements capability.AddressGetter, exposed for the
// external reverse proxy (spec.md §6).
func (m *Manager) GetAddressForService(ctx context.Context, name string) (string, bool, error) {
	return m.store.GetAddressForService(ctx, name)
}
