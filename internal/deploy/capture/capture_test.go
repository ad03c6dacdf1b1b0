package capture

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/model"
)

type fakeSink struct {
	entries []capability.LogEntry
}

func (f *fakeSink) Accept(_ context.Context, entry capability.LogEntry) {
	f.entries = append(f.entries, entry)
}

func TestEnterStateEmitsStateLog(t *testing.T) {
	sink := &fakeSink{}
	core := NewCore(context.Background(), sink, zapcore.InfoLevel)
	logger := zap.New(core)

	id := uuid.New()
	addr := "127.0.0.1:4000"
	_, scoped, exit := EnterState(context.Background(), logger, core, id, model.StateRunning, &addr)
	defer exit()
	_ = scoped

	require.Len(t, sink.entries, 1)
	require.Equal(t, string(model.LogKindState), sink.entries[0].Kind)
	require.Equal(t, id, sink.entries[0].DeploymentID)
	require.Equal(t, string(model.StateRunning), sink.entries[0].State)
	require.NotNil(t, sink.entries[0].Address)
	require.Equal(t, addr, *sink.entries[0].Address)
}

func TestNilUUIDScopeIsDiscarded(t *testing.T) {
	sink := &fakeSink{}
	core := NewCore(context.Background(), sink, zapcore.InfoLevel)
	logger := zap.New(core)

	_, scoped, exit := EnterState(context.Background(), logger, core, uuid.Nil, model.StateRunning, nil)
	defer exit()
	scoped.Info("this should be dropped")

	require.Empty(t, sink.entries)
}

func TestEventInsideScopeIsAttributed(t *testing.T) {
	sink := &fakeSink{}
	core := NewCore(context.Background(), sink, zapcore.InfoLevel)
	logger := zap.New(core)

	id := uuid.New()
	_, scoped, exit := EnterState(context.Background(), logger, core, id, model.StateBuilding, nil)
	defer exit()

	scoped.Info("compiling", zap.String("crate", "demo"))

	require.Len(t, sink.entries, 2)
	event := sink.entries[1]
	require.Equal(t, string(model.LogKindEvent), event.Kind)
	require.Equal(t, id, event.DeploymentID)
	require.JSONEq(t, `{"message":"compiling","crate":"demo"}`, string(event.Fields))
}

func TestEventOutsideScopeIsDropped(t *testing.T) {
	sink := &fakeSink{}
	core := NewCore(context.Background(), sink, zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("no scope here")

	require.Empty(t, sink.entries)
}

func TestBridgeFieldsArePromotedNotLeaked(t *testing.T) {
	sink := &fakeSink{}
	core := NewCore(context.Background(), sink, zapcore.InfoLevel)
	logger := zap.New(core)

	id := uuid.New()
	_, scoped, exit := EnterState(context.Background(), logger, core, id, model.StateBuilding, nil)
	defer exit()

	scoped.Info("bridged", zap.String("log.target", "legacy::module"), zap.String("log.file", "legacy.rs"), zap.Int("log.line", 42), zap.String("log.module_path", "legacy"))

	require.Len(t, sink.entries, 2)
	event := sink.entries[1]
	require.Equal(t, "legacy::module", event.Target)
	require.NotNil(t, event.File)
	require.Equal(t, "legacy.rs", *event.File)
	require.NotNil(t, event.Line)
	require.Equal(t, 42, *event.Line)
	require.NotContains(t, string(event.Fields), "log.target")
	require.NotContains(t, string(event.Fields), "log.module_path")
}
