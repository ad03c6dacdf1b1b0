package buildqueue

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
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

func (f *fakeSink) states() []model.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.State
	for _, e := range f.entries {
		if e.Kind == string(model.LogKindState) {
			out = append(out, model.State(e.State))
		}
	}
	return out
}

type fakeSlotClient struct {
	grant   bool
	getErr  error
	gotIDs  []uuid.UUID
	relIDs  []uuid.UUID
	mu      sync.Mutex
}

func (f *fakeSlotClient) GetSlot(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotIDs = append(f.gotIDs, id)
	return f.grant, f.getErr
}

func (f *fakeSlotClient) ReleaseSlot(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relIDs = append(f.relIDs, id)
	return nil
}

type fakeBuilder struct {
	compileErr error
	testErr    error
}

func (f *fakeBuilder) Compile(_ context.Context, _ string) error { return f.compileErr }
func (f *fakeBuilder) Test(_ context.Context, _ string) error    { return f.testErr }

type fakePusher struct {
	mu   sync.Mutex
	sent []Built
}

func (f *fakePusher) Push(_ context.Context, built Built) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, built)
}

func (f *fakePusher) snapshot() []Built {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Built{}, f.sent...)
}

func makeTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	contents := []byte("package main\nfunc main() {}\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "main.go", Mode: 0o644, Size: int64(len(contents))}))
	_, err := tw.Write(contents)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestQueue(t *testing.T, client capability.BuildQueueClient, builder capability.Builder, pusher Pusher) (*Queue, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	core := capture.NewCore(context.Background(), sink, zapcore.InfoLevel)
	q := New(core, client, builder, cancel.New(), pusher, nil, t.TempDir(), 2)
	return q, sink
}

func waitForStates(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.states()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d state logs, got %v", n, sink.states())
}

func TestSuccessfulBuildEmitsBuildingThenBuiltAndForwards(t *testing.T) {
	client := &fakeSlotClient{grant: true}
	builder := &fakeBuilder{}
	pusher := &fakePusher{}
	q, sink := newTestQueue(t, client, builder, pusher)

	id := uuid.New()
	svc := uuid.New()
	q.Push(context.Background(), Queued{ID: id, ServiceID: svc, ServiceName: "demo", Data: makeTarGz(t)})

	waitForStates(t, sink, 2)
	require.Equal(t, []model.State{model.StateBuilding, model.StateBuilt}, sink.states())
	require.Len(t, client.relIDs, 1)

	var sent []Built
	require.Eventually(t, func() bool {
		sent = pusher.snapshot()
		return len(sent) == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, id, sent[0].ID)
}

func TestSlotDeniedStopsImmediately(t *testing.T) {
	client := &fakeSlotClient{grant: false}
	builder := &fakeBuilder{}
	pusher := &fakePusher{}
	q, sink := newTestQueue(t, client, builder, pusher)

	id := uuid.New()
	q.Push(context.Background(), Queued{ID: id, ServiceID: uuid.New(), ServiceName: "demo", Data: makeTarGz(t)})

	waitForStates(t, sink, 2)
	require.Equal(t, []model.State{model.StateBuilding, model.StateStopped}, sink.states())
	require.Empty(t, client.relIDs)
	require.Empty(t, pusher.snapshot())
}

func TestCompileFailureCrashes(t *testing.T) {
	client := &fakeSlotClient{grant: true}
	builder := &fakeBuilder{compileErr: context.DeadlineExceeded}
	pusher := &fakePusher{}
	q, sink := newTestQueue(t, client, builder, pusher)

	id := uuid.New()
	q.Push(context.Background(), Queued{ID: id, ServiceID: uuid.New(), ServiceName: "demo", Data: makeTarGz(t)})

	waitForStates(t, sink, 2)
	require.Equal(t, []model.State{model.StateBuilding, model.StateCrashed}, sink.states())
	require.Len(t, client.relIDs, 1)
}

func TestTwoBuildsOfSameServiceRunInFIFOOrder(t *testing.T) {
	client := &fakeSlotClient{grant: true}
	builder := &fakeBuilder{}
	pusher := &fakePusher{}
	q, sink := newTestQueue(t, client, builder, pusher)

	svc := uuid.New()
	first := uuid.New()
	second := uuid.New()
	q.Push(context.Background(), Queued{ID: first, ServiceID: svc, ServiceName: "demo", Data: makeTarGz(t)})
	q.Push(context.Background(), Queued{ID: second, ServiceID: svc, ServiceName: "demo", Data: makeTarGz(t)})

	waitForStates(t, sink, 4)
	var firstDoneBeforeSecondStarts bool
	entries := sink.entries
	var firstBuiltIdx, secondBuildingIdx = -1, -1
	for i, e := range entries {
		if e.DeploymentID == first && e.State == string(model.StateBuilt) {
			firstBuiltIdx = i
		}
		if e.DeploymentID == second && e.State == string(model.StateBuilding) && secondBuildingIdx == -1 {
			secondBuildingIdx = i
		}
	}
	firstDoneBeforeSecondStarts = firstBuiltIdx != -1 && secondBuildingIdx != -1 && firstBuiltIdx < secondBuildingIdx
	require.True(t, firstDoneBeforeSecondStarts, "expected project FIFO: %v", entries)
}
