// Package capability defines the abstract interfaces the deployment engine
// core depends on. Every collaborator the core does not itself own — the
// provisioner, the runtime-host execution mechanism, the build-slot
// arbiter, secret storage, address lookups — is expressed here as an
// interface. The manager's builder (internal/deploy/manager) wires concrete
// implementations in; tests substitute fakes. No component holds a
// back-reference to anything that constructs it.
package capability

import (
	"context"
	"net"

	"github.com/google/uuid"
)

// ProvisionerFactory supplies everything the host runtime needs to load a
// built artifact: connection strings, secrets, naming, and filesystem
// layout. One is constructed per deployment by AbstractFactory.
type ProvisionerFactory interface {
	GetDBConnectionString(ctx context.Context, resourceType string) (string, error)
	GetSecrets(ctx context.Context) (map[string]string, error)
	GetServiceName() string
	GetEnvironment() string
	GetBuildPath() string
	GetStoragePath() string
}

// AbstractFactory constructs a per-deployment ProvisionerFactory.
type AbstractFactory interface {
	GetFactory(ctx context.Context, projectName, serviceName string, serviceID, deploymentID uuid.UUID, claim map[string]string) (ProvisionerFactory, error)
}

// RuntimeLoggerFactory returns a sink for a deployment's own stdout/stderr
// lines, independent of the engine's own diagnostic capture layer.
type RuntimeLoggerFactory interface {
	GetLogger(id uuid.UUID) RuntimeLogger
}

// RuntimeLogger receives raw lines emitted by a running user program.
type RuntimeLogger interface {
	WriteLine(line string)
}

// ActiveDeploymentsGetter lists the deployments of a service currently in
// the Running state. The run queue uses this to enforce single-active-
// deployment admission.
type ActiveDeploymentsGetter interface {
	GetActiveDeployments(ctx context.Context, serviceID uuid.UUID) ([]uuid.UUID, error)
}

// BuildQueueClient arbitrates build-slot admission with the external
// gateway.
type BuildQueueClient interface {
	GetSlot(ctx context.Context, deploymentID uuid.UUID) (bool, error)
	ReleaseSlot(ctx context.Context, deploymentID uuid.UUID) error
}

// SecretRecorder persists a secret value for a service.
type SecretRecorder interface {
	InsertSecret(ctx context.Context, serviceID uuid.UUID, key, value string) error
}

// SecretGetter reads all secrets recorded for a service.
type SecretGetter interface {
	GetSecrets(ctx context.Context, serviceID uuid.UUID) (map[string]string, error)
}

// AddressGetter resolves the currently bound socket of a service's running
// deployment. Consumed by the (external) reverse proxy.
type AddressGetter interface {
	GetAddressForService(ctx context.Context, name string) (string, bool, error)
}

// GitInfoRecorder persists the source tree's git commit/branch metadata
// once the build queue has unpacked it. Supplemented from original_source
// (SPEC_FULL.md §3); optional — a nil commitID/branch is a normal "not a
// git checkout" outcome, not an error.
type GitInfoRecorder interface {
	UpdateGitInfo(ctx context.Context, id uuid.UUID, commitID, branch *string) error
}

// LogRecorder is the capability the persistence layer exposes back to the
// log router: the only sanctioned way a log row reaches durable storage.
type LogRecorder interface {
	Record(ctx context.Context, log LogEntry) error
	UpdateDeployment(ctx context.Context, id uuid.UUID, state string, address *string) error
}

// LogEntry is the wire shape the log router hands to a LogRecorder. Kept
// independent of internal/deploy/model so this package has no import-cycle
// risk with the store.
type LogEntry struct {
	DeploymentID uuid.UUID
	State        string
	Kind         string
	Level        string
	File         *string
	Line         *int
	Target       string
	Fields       []byte
	// Address is only meaningful for Kind == "state": the socket the
	// deployment-bearing scope carried, or nil when the scope cleared it
	// (entering a terminal state). The log router is the sole reader.
	Address *string
}

// RuntimeHost is the edge interface through which the run queue delegates
// to the external, fixed runtime-host execution mechanism: the thing that
// actually loads a built artifact and supervises the user program inside
// the host process. spec.md fixes the ProvisionerFactory shape the host
// consumes but does not name this boundary; it is the minimal interface
// our run queue needs on the other side of that external collaborator.
type RuntimeHost interface {
	Load(ctx context.Context, artifactPath string, listener net.Listener, factory ProvisionerFactory, runtimeLogger RuntimeLogger) (Handle, error)
}

// Handle supervises one loaded deployment until it reaches a terminal
// outcome or is killed.
type Handle interface {
	Wait(ctx context.Context) (Outcome, error)
	Kill(ctx context.Context) error
}

// Outcome is the terminal disposition of a supervised user program.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCrashed
	OutcomeStopped
)

// Builder compiles (and optionally tests) an unpacked source tree. Its
// exact invocation shape is implementation/environment specific and is not
// fixed by spec.md; this is the minimal interface the build queue needs.
type Builder interface {
	Compile(ctx context.Context, workdir string) error
	Test(ctx context.Context, workdir string) error
}
