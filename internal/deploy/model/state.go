// Package model defines the entities and state vocabulary a deployment
// traverses: services, deployments, their states, logs, resources, and
// secrets.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is one node in the deployment state machine. The ordering below is
// the only legal path; there are no other edges.
//
//	Queued -> Building -> Built -> Loading -> Running -> {Completed|Crashed|Stopped}
type State string

const (
	StateQueued    State = "queued"
	StateBuilding  State = "building"
	StateBuilt     State = "built"
	StateLoading   State = "loading"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCrashed   State = "crashed"
	StateStopped   State = "stopped"
)

// ParseState parses the stored column value back into a State, rejecting
// anything outside the closed set.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateQueued, StateBuilding, StateBuilt, StateLoading, StateRunning,
		StateCompleted, StateCrashed, StateStopped:
		return State(s), nil
	default:
		return "", fmt.Errorf("model: unknown state %q", s)
	}
}

// IsTransient reports whether the state is one of the pre-Running states
// (Queued, Building, Built, Loading) that startup cleanup rewrites to
// Stopped.
func (s State) IsTransient() bool {
	switch s {
	case StateQueued, StateBuilding, StateBuilt, StateLoading:
		return true
	default:
		return false
	}
}

// IsActive reports whether the deployment is Running.
func (s State) IsActive() bool {
	return s == StateRunning
}

// IsTerminal reports whether this state is absorbing (no outgoing edges).
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCrashed, StateStopped:
		return true
	default:
		return false
	}
}

// next holds the one legal successor of each transient/active state. The
// terminal fan-out (Running -> Completed|Crashed|Stopped) is validated by
// CanTransition accepting any terminal state from Running, not by this map.
var next = map[State]State{
	StateQueued:   StateBuilding,
	StateBuilding: StateBuilt,
	StateBuilt:    StateLoading,
	StateLoading:  StateRunning,
}

// CanTransition reports whether from -> to is a legal edge in the state
// graph. Terminal states have no outgoing edges.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if from == StateRunning {
		return to.IsTerminal()
	}
	return next[from] == to
}

// ResourceType is the closed tag identifying what kind of provisioned
// resource a Resource row describes.
type ResourceType string

const (
	ResourceSharedPostgres    ResourceType = "shared::postgres"
	ResourceRDSPostgres       ResourceType = "rds::postgres"
	ResourceRDSMySQL          ResourceType = "rds::mysql"
	ResourceRDSMariaDB        ResourceType = "rds::mariadb"
	ResourceContainerPostgres ResourceType = "container::postgres"
	ResourceSecrets           ResourceType = "secrets"
)

// Service is a named user-supplied program; at most one deployment of a
// service is Running at a time.
type Service struct {
	ID   uuid.UUID
	Name string
}

// Deployment is one attempt to build and run a version of a service.
type Deployment struct {
	ID           uuid.UUID
	ServiceID    uuid.UUID
	ServiceName  string
	State        State
	LastUpdate   time.Time
	Address      *string
	GitCommitID  *string
	GitCommitMsg *string
	GitBranch    *string
	GitDirty     *bool
}

// HasAddress reports whether the deployment currently has a bound socket
// recorded against it.
func (d Deployment) HasAddress() bool {
	return d.Address != nil && *d.Address != ""
}

// LogKind distinguishes a state-transition marker row from a plain
// diagnostic event row.
type LogKind string

const (
	LogKindState LogKind = "state"
	LogKindEvent LogKind = "event"
)

// StateSentinel is the stable marker string persisted in the fields column
// of every state-transition log row. External subscribers treat this value
// as the boundary between one phase's event logs and the next.
const StateSentinel = "NEW STATE"

// Log is one row of the durable log stream.
type Log struct {
	DeploymentID uuid.UUID
	Timestamp    time.Time
	State        State
	Kind         LogKind
	Level        string
	File         *string
	Line         *int
	Target       string
	Fields       []byte // JSON object
}

// Resource is a provisioned dependency belonging to a service.
type Resource struct {
	ServiceID uuid.UUID
	Type      ResourceType
	Data      []byte // JSON object
}

// Secret is a service-scoped key/value credential. Value is opaque at this
// layer; the store encrypts it at rest.
type Secret struct {
	ServiceID  uuid.UUID
	Key        string
	Value      string
	LastUpdate time.Time
}
