package runqueue

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/deployengine/core/internal/deploy/cancel"
	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/capture"
	"github.com/deployengine/core/internal/deploy/model"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []capability.LogEntry
}

func (f *fakeSink) Accept(_ context.Context, entry capability.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeSink) statesWithAddress() []stateAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stateAddr
	for _, e := range f.entries {
		if e.Kind == string(model.LogKindState) {
			out = append(out, stateAddr{state: model.State(e.State), hasAddr: e.Address != nil})
		}
	}
	return out
}

type stateAddr struct {
	state   model.State
	hasAddr bool
}

type fakeFactory struct{}

func (fakeFactory) GetDBConnectionString(context.Context, string) (string, error) { return "", nil }
func (fakeFactory) GetSecrets(context.Context) (map[string]string, error)          { return nil, nil }
func (fakeFactory) GetServiceName() string                                        { return "demo" }
func (fakeFactory) GetEnvironment() string                                        { return "prod" }
func (fakeFactory) GetBuildPath() string                                          { return "/artifacts/demo" }
func (fakeFactory) GetStoragePath() string                                        { return "/artifacts/demo/storage" }

type fakeAbstractFactory struct{}

func (fakeAbstractFactory) GetFactory(context.Context, string, string, uuid.UUID, uuid.UUID, map[string]string) (capability.ProvisionerFactory, error) {
	return fakeFactory{}, nil
}

type erroringAbstractFactory struct{}

func (erroringAbstractFactory) GetFactory(context.Context, string, string, uuid.UUID, uuid.UUID, map[string]string) (capability.ProvisionerFactory, error) {
	return nil, context.DeadlineExceeded
}

type fakeHandle struct {
	outcome  capability.Outcome
	waitErr  error
	blockOn  <-chan struct{}
	killed   chan struct{}
}

func (h *fakeHandle) Wait(ctx context.Context) (capability.Outcome, error) {
	if h.blockOn != nil {
		select {
		case <-h.blockOn:
		case <-ctx.Done():
			return capability.OutcomeStopped, nil
		}
	}
	return h.outcome, h.waitErr
}

func (h *fakeHandle) Kill(context.Context) error {
	if h.killed != nil {
		close(h.killed)
	}
	return nil
}

type fakeHost struct {
	loadErr error
	handle  *fakeHandle
}

func (h *fakeHost) Load(context.Context, string, net.Listener, capability.ProvisionerFactory, capability.RuntimeLogger) (capability.Handle, error) {
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	return h.handle, nil
}

type fakeActiveGetter struct {
	ids []uuid.UUID
}

func (f *fakeActiveGetter) GetActiveDeployments(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return f.ids, nil
}

func newTestQueue(host *fakeHost, factory capability.AbstractFactory, active capability.ActiveDeploymentsGetter, cancels *cancel.Registry) (*Queue, *fakeSink) {
	sink := &fakeSink{}
	core := capture.NewCore(context.Background(), sink, zapcore.InfoLevel)
	return New(core, factory, nil, host, active, cancels), sink
}

func waitForStates(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.statesWithAddress()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d state logs, got %v", n, sink.statesWithAddress())
}

func TestSelfStopCompletesCleanly(t *testing.T) {
	host := &fakeHost{handle: &fakeHandle{outcome: capability.OutcomeCompleted}}
	q, sink := newTestQueue(host, fakeAbstractFactory{}, nil, cancel.New())

	id := uuid.New()
	q.Push(context.Background(), Built{ID: id, ServiceID: uuid.New(), ServiceName: "demo"})

	waitForStates(t, sink, 3)
	got := sink.statesWithAddress()
	require.Equal(t, []stateAddr{
		{model.StateLoading, true},
		{model.StateRunning, true},
		{model.StateCompleted, false},
	}, got)
}

func TestBindPanicCrashesDuringRunning(t *testing.T) {
	host := &fakeHost{handle: &fakeHandle{outcome: capability.OutcomeCrashed}}
	q, sink := newTestQueue(host, fakeAbstractFactory{}, nil, cancel.New())

	id := uuid.New()
	q.Push(context.Background(), Built{ID: id, ServiceID: uuid.New(), ServiceName: "demo"})

	waitForStates(t, sink, 3)
	got := sink.statesWithAddress()
	require.Equal(t, []stateAddr{
		{model.StateLoading, true},
		{model.StateRunning, true},
		{model.StateCrashed, false},
	}, got)
}

func TestMainPanicCrashesDuringLoadWithNoRunning(t *testing.T) {
	host := &fakeHost{loadErr: context.DeadlineExceeded}
	q, sink := newTestQueue(host, fakeAbstractFactory{}, nil, cancel.New())

	id := uuid.New()
	q.Push(context.Background(), Built{ID: id, ServiceID: uuid.New(), ServiceName: "demo"})

	waitForStates(t, sink, 2)
	got := sink.statesWithAddress()
	require.Equal(t, []stateAddr{
		{model.StateLoading, true},
		{model.StateCrashed, false},
	}, got)
}

func TestFactoryResolutionFailureCrashesDuringLoad(t *testing.T) {
	host := &fakeHost{handle: &fakeHandle{outcome: capability.OutcomeCompleted}}
	q, sink := newTestQueue(host, erroringAbstractFactory{}, nil, cancel.New())

	id := uuid.New()
	q.Push(context.Background(), Built{ID: id, ServiceID: uuid.New(), ServiceName: "demo"})

	waitForStates(t, sink, 2)
	got := sink.statesWithAddress()
	require.Equal(t, []stateAddr{
		{model.StateLoading, true},
		{model.StateCrashed, false},
	}, got)
}

func TestKillStopsASleepingDeployment(t *testing.T) {
	block := make(chan struct{})
	host := &fakeHost{handle: &fakeHandle{blockOn: block}}
	cancels := cancel.New()
	q, sink := newTestQueue(host, fakeAbstractFactory{}, nil, cancels)

	id := uuid.New()
	q.Push(context.Background(), Built{ID: id, ServiceID: uuid.New(), ServiceName: "demo"})

	require.Eventually(t, func() bool {
		for _, s := range sink.statesWithAddress() {
			if s.state == model.StateRunning {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	cancels.Kill(id)

	waitForStates(t, sink, 3)
	got := sink.statesWithAddress()
	require.Equal(t, model.StateStopped, got[2].state)
	require.False(t, got[2].hasAddr)
}

func TestPreemptionKillsOtherActiveDeploymentsOfSameService(t *testing.T) {
	host := &fakeHost{handle: &fakeHandle{outcome: capability.OutcomeCompleted}}
	cancels := cancel.New()
	other := uuid.New()
	killCtx := cancels.Track(context.Background(), other)

	svc := uuid.New()
	q, sink := newTestQueue(host, fakeAbstractFactory{}, &fakeActiveGetter{ids: []uuid.UUID{other}}, cancels)

	id := uuid.New()
	q.Push(context.Background(), Built{ID: id, ServiceID: svc, ServiceName: "demo"})

	waitForStates(t, sink, 3)
	require.Error(t, killCtx.Err())
}
