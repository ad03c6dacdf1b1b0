package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deploy/model"
	"github.com/deployengine/core/internal/platform/database"
	"github.com/deployengine/core/internal/platform/migrations"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.Apply(ctx, database.RawDB(db)))

	st, err := New(db, "test-admin-secret")
	require.NoError(t, err)
	return st
}

func seedService(t *testing.T, st *Store, name string) model.Service {
	t.Helper()
	svc, err := st.GetOrCreateService(context.Background(), name)
	require.NoError(t, err)
	return svc
}

func TestInsertDeploymentThenGetDeploymentRoundTrips(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	d := model.Deployment{ID: uuid.New(), ServiceID: svc.ID, State: model.StateQueued, LastUpdate: time.Now().UTC()}
	require.NoError(t, st.InsertDeployment(ctx, d))

	got, err := st.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, d.ServiceID, got.ServiceID)
	require.Equal(t, model.StateQueued, got.State)
	require.False(t, got.HasAddress())
}

func TestInsertDeploymentCollisionFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	id := uuid.New()
	d := model.Deployment{ID: id, ServiceID: svc.ID, State: model.StateQueued, LastUpdate: time.Now().UTC()}
	require.NoError(t, st.InsertDeployment(ctx, d))
	require.Error(t, st.InsertDeployment(ctx, d))
}

func TestUpdateDeploymentIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	id := uuid.New()
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: id, ServiceID: svc.ID, State: model.StateQueued, LastUpdate: time.Now().UTC()}))

	require.NoError(t, st.UpdateDeployment(ctx, id, string(model.StateBuilding), nil))
	first, err := st.GetDeployment(ctx, id)
	require.NoError(t, err)

	require.NoError(t, st.UpdateDeployment(ctx, id, string(model.StateBuilt), nil))
	second, err := st.GetDeployment(ctx, id)
	require.NoError(t, err)

	require.True(t, second.LastUpdate.After(first.LastUpdate))
}

func TestGetAddressForServiceOnlyReturnsRunning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	id := uuid.New()
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: id, ServiceID: svc.ID, State: model.StateLoading, LastUpdate: time.Now().UTC()}))

	_, ok, err := st.GetAddressForService(ctx, "web")
	require.NoError(t, err)
	require.False(t, ok)

	addr := "127.0.0.1:4000"
	require.NoError(t, st.UpdateDeployment(ctx, id, string(model.StateRunning), &addr))

	got, ok, err := st.GetAddressForService(ctx, "web")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, addr, got)
}

func TestCleanupInvalidStatesLeavesRunningAlone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	transient := uuid.New()
	running := uuid.New()
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: transient, ServiceID: svc.ID, State: model.StateBuilding, LastUpdate: time.Now().UTC()}))
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: running, ServiceID: svc.ID, State: model.StateRunning, LastUpdate: time.Now().UTC()}))

	require.NoError(t, st.CleanupInvalidStates(ctx))

	got, err := st.GetDeployment(ctx, transient)
	require.NoError(t, err)
	require.Equal(t, model.StateStopped, got.State)

	still, err := st.GetDeployment(ctx, running)
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, still.State)
}

func TestGetAllTransientDeploymentsExcludesRunningAndTerminal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	building := uuid.New()
	loading := uuid.New()
	running := uuid.New()
	completed := uuid.New()
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: building, ServiceID: svc.ID, State: model.StateBuilding, LastUpdate: time.Now().UTC()}))
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: loading, ServiceID: svc.ID, State: model.StateLoading, LastUpdate: time.Now().UTC()}))
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: running, ServiceID: svc.ID, State: model.StateRunning, LastUpdate: time.Now().UTC()}))
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: completed, ServiceID: svc.ID, State: model.StateCompleted, LastUpdate: time.Now().UTC()}))

	rows, err := st.GetAllTransientDeployments(ctx)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(rows))
	for _, r := range rows {
		ids[r.ID] = true
	}
	require.True(t, ids[building])
	require.True(t, ids[loading])
	require.False(t, ids[running])
	require.False(t, ids[completed])
}

func TestSecretUpsertReplacesValue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	require.NoError(t, st.InsertSecret(ctx, svc.ID, "api_key", "v1"))
	require.NoError(t, st.InsertSecret(ctx, svc.ID, "api_key", "v2"))

	secrets, err := st.GetSecrets(ctx, svc.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", secrets["api_key"])
	require.Len(t, secrets, 1)
}

func TestResourceUpsertReplacesData(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")

	require.NoError(t, st.InsertResource(ctx, model.Resource{ServiceID: svc.ID, Type: model.ResourceSharedPostgres, Data: []byte(`{"v":1}`)}))
	require.NoError(t, st.InsertResource(ctx, model.Resource{ServiceID: svc.ID, Type: model.ResourceSharedPostgres, Data: []byte(`{"v":2}`)}))

	resources, err := st.GetResources(ctx, svc.ID)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.JSONEq(t, `{"v":2}`, string(resources[0].Data))
}

func TestRecordInsertsLogRow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := seedService(t, st, "web")
	id := uuid.New()
	require.NoError(t, st.InsertDeployment(ctx, model.Deployment{ID: id, ServiceID: svc.ID, State: model.StateQueued, LastUpdate: time.Now().UTC()}))

	err := st.Record(ctx, capability.LogEntry{
		DeploymentID: id,
		State:        string(model.StateBuilding),
		Kind:         string(model.LogKindState),
		Level:        "info",
		Target:       "",
		Fields:       []byte(`"` + model.StateSentinel + `"`),
	})
	require.NoError(t, err)
}
