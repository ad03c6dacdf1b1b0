// Package store implements spec.md §4.1: the embedded relational
// persistence layer with a single writer per process and many readers,
// through which every deployment state transition flows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/model"
	"github.com/deployengine/core/internal/deployerr"
)

// Store is the SQLite-backed implementation of the persistence contract.
// It satisfies capability.LogRecorder, capability.AddressGetter,
// capability.SecretRecorder, capability.SecretGetter, and
// capability.ActiveDeploymentsGetter so the manager can hand it straight to
// every component that needs a persistence capability.
type Store struct {
	db     *sqlx.DB
	cipher *secretCipher
}

// New wraps an opened database handle. adminSecret seeds the at-rest
// encryption key for the secrets table.
func New(db *sqlx.DB, adminSecret string) (*Store, error) {
	c, err := newSecretCipher(adminSecret)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{db: db, cipher: c}, nil
}

func nowMonotonic(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

// GetOrCreateService returns the service row named name, creating it with a
// fresh id if absent.
func (s *Store) GetOrCreateService(ctx context.Context, name string) (model.Service, error) {
	var row serviceRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name FROM services WHERE name = ?`, name)
	if err == nil {
		return row.toModel()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Service{}, deployerr.New(deployerr.Persistence, "get_or_create_service", err)
	}

	svc := model.Service{ID: uuid.New(), Name: name}
	_, err = s.db.ExecContext(ctx, `INSERT INTO services (id, name) VALUES (?, ?)`, svc.ID.String(), svc.Name)
	if err != nil {
		return model.Service{}, deployerr.New(deployerr.Persistence, "get_or_create_service", err)
	}
	return svc, nil
}

// DeleteService removes a service row. Callers must first confirm it has
// no running deployment; the store does not enforce that here (the run
// queue owns single-active-deployment admission, per spec.md §3).
func (s *Store) DeleteService(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id.String())
	return deployerr.Wrap(deployerr.Persistence, "delete_service", err)
}

// InsertDeployment inserts a new deployment row in its initial state.
// Fails if the id already exists.
func (s *Store) InsertDeployment(ctx context.Context, d model.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, service_id, state, last_update, address)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID.String(), d.ServiceID.String(), string(d.State), d.LastUpdate.UTC().Format(time.RFC3339Nano), d.Address,
	)
	return deployerr.Wrap(deployerr.Persistence, "insert_deployment", err)
}

// GetDeployment fetches one deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (model.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT d.id, d.service_id, s.name AS service_name, d.state, d.last_update, d.address,
		       d.git_commit_id, d.git_commit_msg, d.git_branch, d.git_dirty
		FROM deployments d JOIN services s ON s.id = d.service_id
		WHERE d.id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deployment{}, deployerr.New(deployerr.NotFound, "get_deployment", err)
	}
	if err != nil {
		return model.Deployment{}, deployerr.New(deployerr.Persistence, "get_deployment", err)
	}
	return row.toModel()
}

// GetDeployments lists every deployment belonging to a service.
func (s *Store) GetDeployments(ctx context.Context, serviceID uuid.UUID) ([]model.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT d.id, d.service_id, s.name AS service_name, d.state, d.last_update, d.address,
		       d.git_commit_id, d.git_commit_msg, d.git_branch, d.git_dirty
		FROM deployments d JOIN services s ON s.id = d.service_id
		WHERE d.service_id = ?
		ORDER BY d.last_update ASC`, serviceID.String())
	if err != nil {
		return nil, deployerr.New(deployerr.Persistence, "get_deployments", err)
	}
	return toModels(rows)
}

// GetActiveDeployment returns the single Running deployment of a service,
// if any.
func (s *Store) GetActiveDeployment(ctx context.Context, serviceID uuid.UUID) (model.Deployment, bool, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT d.id, d.service_id, s.name AS service_name, d.state, d.last_update, d.address,
		       d.git_commit_id, d.git_commit_msg, d.git_branch, d.git_dirty
		FROM deployments d JOIN services s ON s.id = d.service_id
		WHERE d.service_id = ? AND d.state = ?`, serviceID.String(), string(model.StateRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deployment{}, false, nil
	}
	if err != nil {
		return model.Deployment{}, false, deployerr.New(deployerr.Persistence, "get_active_deployment", err)
	}
	d, err := row.toModel()
	return d, true, err
}

// GetActiveDeployments implements capability.ActiveDeploymentsGetter.
func (s *Store) GetActiveDeployments(ctx context.Context, serviceID uuid.UUID) ([]uuid.UUID, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM deployments WHERE service_id = ? AND state = ?`,
		serviceID.String(), string(model.StateRunning))
	if err != nil {
		return nil, deployerr.New(deployerr.Persistence, "get_active_deployments", err)
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, deployerr.New(deployerr.Convert, "get_active_deployments", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// runnableRow wraps deploymentRow without adding columns; deploymentRow
// already carries service_name from the services join, and
// GetAllRunnableDeployments scans into deploymentRow directly.
type runnableRow struct {
	deploymentRow
}

// GetAllRunnableDeployments returns every Running row, joined with service
// name, ordered by last_update ascending (ties broken by id ascending, an
// explicit decision for an otherwise-unspecified tiebreak per spec.md §9).
func (s *Store) GetAllRunnableDeployments(ctx context.Context) ([]model.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT d.id, d.service_id, s.name AS service_name, d.state, d.last_update, d.address,
		       d.git_commit_id, d.git_commit_msg, d.git_branch, d.git_dirty
		FROM deployments d JOIN services s ON s.id = d.service_id
		WHERE d.state = ?
		ORDER BY d.last_update ASC, d.id ASC`, string(model.StateRunning))
	if err != nil {
		return nil, deployerr.New(deployerr.Persistence, "get_all_runnable_deployments", err)
	}
	return toModels(rows)
}

// GetAllTransientDeployments returns every row whose state is one of
// Queued|Building|Built|Loading. Used by the reconciliation sweep, which
// (unlike CleanupInvalidStates) must cross-check each row against the
// live cancellation registry before touching it: a row in this set may
// belong to a deployment a worker in this very process is actively
// driving through the pipeline.
func (s *Store) GetAllTransientDeployments(ctx context.Context) ([]model.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT d.id, d.service_id, s.name AS service_name, d.state, d.last_update, d.address,
		       d.git_commit_id, d.git_commit_msg, d.git_branch, d.git_dirty
		FROM deployments d JOIN services s ON s.id = d.service_id
		WHERE d.state IN (?, ?, ?, ?)
		ORDER BY d.last_update ASC, d.id ASC`,
		string(model.StateQueued), string(model.StateBuilding), string(model.StateBuilt), string(model.StateLoading),
	)
	if err != nil {
		return nil, deployerr.New(deployerr.Persistence, "get_all_transient_deployments", err)
	}
	return toModels(rows)
}

// CleanupInvalidStates rewrites every row whose state is one of the
// transient states to Stopped. Called exactly once during startup, before
// any worker begins; never touches Running rows.
func (s *Store) CleanupInvalidStates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET state = ?, last_update = ?, address = NULL
		WHERE state IN (?, ?, ?, ?)`,
		string(model.StateStopped), time.Now().UTC().Format(time.RFC3339Nano),
		string(model.StateQueued), string(model.StateBuilding), string(model.StateBuilt), string(model.StateLoading),
	)
	return deployerr.Wrap(deployerr.Persistence, "cleanup_invalid_states", err)
}

// GetAddressForService implements capability.AddressGetter.
func (s *Store) GetAddressForService(ctx context.Context, name string) (string, bool, error) {
	var address sql.NullString
	err := s.db.GetContext(ctx, &address, `
		SELECT d.address FROM deployments d JOIN services s ON s.id = d.service_id
		WHERE s.name = ? AND d.state = ?`, name, string(model.StateRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, deployerr.New(deployerr.Persistence, "get_address_for_service", err)
	}
	if !address.Valid || address.String == "" {
		return "", false, nil
	}
	return address.String, true, nil
}

// UpdateGitInfo implements capability.GitInfoRecorder.
func (s *Store) UpdateGitInfo(ctx context.Context, id uuid.UUID, commitID, branch *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET git_commit_id = ?, git_branch = ? WHERE id = ?`,
		commitID, branch, id.String(),
	)
	return deployerr.Wrap(deployerr.Persistence, "update_git_info", err)
}

// UpdateDeployment implements capability.LogRecorder's state-mutation half:
// the log router is the only caller permitted to invoke this, per spec.md
// §3's "mutated only by the log router" ownership rule.
func (s *Store) UpdateDeployment(ctx context.Context, id uuid.UUID, state string, address *string) error {
	current, err := s.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	last := nowMonotonic(current.LastUpdate)
	_, err = s.db.ExecContext(ctx, `
		UPDATE deployments SET state = ?, last_update = ?, address = ? WHERE id = ?`,
		state, last.Format(time.RFC3339Nano), address, id.String(),
	)
	return deployerr.Wrap(deployerr.Persistence, "update_deployment", err)
}

// Record implements capability.LogRecorder's log-insertion half.
func (s *Store) Record(ctx context.Context, log capability.LogEntry) error {
	fields := log.Fields
	if fields == nil {
		fields = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_logs (deployment_id, timestamp, state, kind, level, file, line, target, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.DeploymentID.String(), time.Now().UTC().Format(time.RFC3339Nano), log.State, log.Kind,
		log.Level, log.File, log.Line, log.Target, string(fields),
	)
	return deployerr.Wrap(deployerr.Persistence, "insert_log", err)
}

// InsertSecret upserts an encrypted secret value.
func (s *Store) InsertSecret(ctx context.Context, serviceID uuid.UUID, key, value string) error {
	sealed, err := s.cipher.seal(value)
	if err != nil {
		return deployerr.New(deployerr.Persistence, "insert_secret", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (service_id, key, value, last_update) VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id, key) DO UPDATE SET value = excluded.value, last_update = excluded.last_update`,
		serviceID.String(), key, sealed, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return deployerr.Wrap(deployerr.Persistence, "insert_secret", err)
}

// GetSecrets returns every secret recorded for a service, decrypted.
func (s *Store) GetSecrets(ctx context.Context, serviceID uuid.UUID) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM secrets WHERE service_id = ?`, serviceID.String())
	if err != nil {
		return nil, deployerr.New(deployerr.Persistence, "get_secrets", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		plain, err := s.cipher.open(r.Value)
		if err != nil {
			return nil, deployerr.New(deployerr.Persistence, "get_secrets", err)
		}
		out[r.Key] = plain
	}
	return out, nil
}

// InsertResource upserts a resource row; inserting the same (service_id,
// type) twice replaces the data.
func (s *Store) InsertResource(ctx context.Context, r model.Resource) error {
	data := r.Data
	if data == nil {
		data = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (service_id, type, data) VALUES (?, ?, ?)
		ON CONFLICT(service_id, type) DO UPDATE SET data = excluded.data`,
		r.ServiceID.String(), string(r.Type), string(data),
	)
	return deployerr.Wrap(deployerr.Persistence, "insert_resource", err)
}

// GetResources lists every resource recorded for a service.
func (s *Store) GetResources(ctx context.Context, serviceID uuid.UUID) ([]model.Resource, error) {
	var rows []struct {
		ServiceID string `db:"service_id"`
		Type      string `db:"type"`
		Data      string `db:"data"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT service_id, type, data FROM resources WHERE service_id = ?`, serviceID.String())
	if err != nil {
		return nil, deployerr.New(deployerr.Persistence, "get_resources", err)
	}
	out := make([]model.Resource, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ServiceID)
		if err != nil {
			return nil, deployerr.New(deployerr.Convert, "get_resources", err)
		}
		out = append(out, model.Resource{ServiceID: id, Type: model.ResourceType(r.Type), Data: []byte(r.Data)})
	}
	return out, nil
}

// --- row <-> model mapping ---

type serviceRow struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

func (r serviceRow) toModel() (model.Service, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.Service{}, deployerr.New(deployerr.Convert, "service_row", err)
	}
	return model.Service{ID: id, Name: r.Name}, nil
}

type deploymentRow struct {
	ID           string         `db:"id"`
	ServiceID    string         `db:"service_id"`
	ServiceName  string         `db:"service_name"`
	State        string         `db:"state"`
	LastUpdate   string         `db:"last_update"`
	Address      sql.NullString `db:"address"`
	GitCommitID  sql.NullString `db:"git_commit_id"`
	GitCommitMsg sql.NullString `db:"git_commit_msg"`
	GitBranch    sql.NullString `db:"git_branch"`
	GitDirty     sql.NullBool   `db:"git_dirty"`
}

func (r deploymentRow) toModel() (model.Deployment, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.Deployment{}, deployerr.New(deployerr.Convert, "deployment_row", err)
	}
	svcID, err := uuid.Parse(r.ServiceID)
	if err != nil {
		return model.Deployment{}, deployerr.New(deployerr.Convert, "deployment_row", err)
	}
	state, err := model.ParseState(r.State)
	if err != nil {
		return model.Deployment{}, deployerr.New(deployerr.Convert, "deployment_row", err)
	}
	lastUpdate, err := time.Parse(time.RFC3339Nano, r.LastUpdate)
	if err != nil {
		return model.Deployment{}, deployerr.New(deployerr.Convert, "deployment_row", err)
	}
	d := model.Deployment{
		ID: id, ServiceID: svcID, ServiceName: r.ServiceName, State: state, LastUpdate: lastUpdate,
	}
	if r.Address.Valid {
		addr := r.Address.String
		d.Address = &addr
	}
	if r.GitCommitID.Valid {
		v := r.GitCommitID.String
		d.GitCommitID = &v
	}
	if r.GitCommitMsg.Valid {
		v := r.GitCommitMsg.String
		d.GitCommitMsg = &v
	}
	if r.GitBranch.Valid {
		v := r.GitBranch.String
		d.GitBranch = &v
	}
	if r.GitDirty.Valid {
		v := r.GitDirty.Bool
		d.GitDirty = &v
	}
	return d, nil
}

func toModels(rows []deploymentRow) ([]model.Deployment, error) {
	out := make([]model.Deployment, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
