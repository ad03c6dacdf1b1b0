package capture

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zapcore"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/model"
)

// Sink receives every log this layer synthesizes. In production it is the
// log router's ingress channel send; tests can substitute a slice-
// collecting fake.
type Sink interface {
	Accept(ctx context.Context, entry capability.LogEntry)
}

// scopeEntryKey marks a Write call as the synthetic "entering this scope"
// event rather than an ordinary diagnostic line, the Go stand-in for
// tracing's on_new_span (zap has no native span concept to hook).
const scopeEntryKey = "_scope_entry"

// idKey/stateKey/addressKey are the structured fields a deployment-bearing
// scope's derived logger carries, mirroring NewStateVisitor's ID_IDENT /
// STATE_IDENT / ADDRESS_IDENT in the original tracing layer.
const (
	idKey      = "id"
	stateKey   = "state"
	addressKey = "address"
)

// bridge field names promoted out of the JSON body into dedicated columns,
// per spec.md §4.2. Must never leak into the stored fields blob.
const (
	bridgeTarget     = "log.target"
	bridgeLine       = "log.line"
	bridgeFile       = "log.file"
	bridgeModulePath = "log.module_path"
)

// Core is a zapcore.Core implementing spec.md §4.2's scope-entry and
// diagnostic-event algorithm.
type Core struct {
	sink      Sink
	ctx       context.Context
	level     zapcore.LevelEnabler
	fields    []zapcore.Field
}

// NewCore builds a capture Core bound to ctx (carrying no scope yet) and
// the given sink.
func NewCore(ctx context.Context, sink Sink, level zapcore.LevelEnabler) *Core {
	return &Core{sink: sink, ctx: ctx, level: level}
}

// WithContext rebinds the Core to a context carrying a (possibly deeper)
// scope stack, used when a worker derives a logger for a nested scope.
func (c *Core) WithContext(ctx context.Context) *Core {
	clone := *c
	clone.ctx = ctx
	return &clone
}

func (c *Core) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *Core) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *Core) Sync() error { return nil }

// Write implements both halves of spec.md §4.2: scope entry (when fields
// carry the scope-entry marker) and diagnostic events (everything else).
func (c *Core) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	all := append(append([]zapcore.Field{}, c.fields...), fields...)
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range all {
		f.AddTo(enc)
	}

	isScopeEntry := false
	if v, ok := enc.Fields[scopeEntryKey]; ok {
		if b, ok := v.(bool); ok && b {
			isScopeEntry = true
		}
		delete(enc.Fields, scopeEntryKey)
	}

	rawID, hasID := enc.Fields[idKey]
	rawState, hasState := enc.Fields[stateKey]
	if !hasID || !hasState {
		// No deployment-bearing scope found on this Write's accumulated
		// fields: drop, per spec.md §4.2 "if none, drop the event."
		return nil
	}

	idStr, _ := rawID.(string)
	id, err := uuid.Parse(idStr)
	if err != nil || id == uuid.Nil {
		// Nil or unparsable id: dropped without emitting anything, never a
		// panic (§7).
		return nil
	}
	stateStr, _ := rawState.(string)
	state, err := model.ParseState(stateStr)
	if err != nil {
		return nil
	}

	var address *string
	if rawAddr, ok := enc.Fields[addressKey]; ok {
		if s, ok := rawAddr.(string); ok && s != "" {
			address = &s
		}
	}

	delete(enc.Fields, idKey)
	delete(enc.Fields, stateKey)
	delete(enc.Fields, addressKey)

	if isScopeEntry {
		out := capability.LogEntry{
			DeploymentID: id,
			State:        string(state),
			Kind:         string(model.LogKindState),
			Level:        entry.Level.String(),
			Target:       entry.LoggerName,
			Fields:       []byte(`{}`),
			Address:      address,
		}
		c.sink.Accept(c.ctx, out)
		return nil
	}

	target, file, line := promoteBridgeFields(enc.Fields, entry)
	if entry.Message != "" {
		enc.Fields["message"] = entry.Message
	}

	payload, err := json.Marshal(enc.Fields)
	if err != nil {
		payload = []byte(`{}`)
	}

	out := capability.LogEntry{
		DeploymentID: id,
		State:        string(state),
		Kind:         string(model.LogKindEvent),
		Level:        entry.Level.String(),
		File:         file,
		Line:         line,
		Target:       target,
		Fields:       payload,
	}
	c.sink.Accept(c.ctx, out)
	return nil
}

// promoteBridgeFields removes the legacy-bridge field names from fields (so
// they never leak into the stored JSON body) and returns the dedicated
// column values they, or the zap entry's own metadata, supply. gjson reads
// the dotted literal keys back out of a throwaway marshal of fields so the
// extraction logic is the same whether the bridge wrote nested JSON or a
// flat map with dotted string keys.
func promoteBridgeFields(fields map[string]interface{}, entry zapcore.Entry) (target string, file *string, line *int) {
	target = entry.LoggerName
	if entry.Caller.Defined {
		f := entry.Caller.File
		file = &f
		l := entry.Caller.Line
		line = &l
	}

	raw, err := json.Marshal(fields)
	if err == nil {
		if v := gjson.GetBytes(raw, `log\.target`); v.Exists() {
			target = v.String()
		}
		if v := gjson.GetBytes(raw, `log\.file`); v.Exists() {
			s := v.String()
			file = &s
		}
		if v := gjson.GetBytes(raw, `log\.line`); v.Exists() {
			l := int(v.Int())
			line = &l
		}
	}

	delete(fields, bridgeTarget)
	delete(fields, bridgeFile)
	delete(fields, bridgeLine)
	delete(fields, bridgeModulePath)

	return target, file, line
}
