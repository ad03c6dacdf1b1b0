package manager

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/deployengine/core/internal/deploy/cancel"
	"github.com/deployengine/core/internal/deploy/capture"
	"github.com/deployengine/core/internal/deploy/model"
)

// defaultReconcileSpec runs the sweep once a minute.
const defaultReconcileSpec = "@every 1m"

// reconciler is the cron-scheduled safety net from SPEC_FULL.md's glossary
// "Reconciliation sweep". It is deliberately NOT a periodic re-run of
// cleanup_invalid_states: that call is only sound once, at startup, before
// any worker exists (spec.md §4.1). Called again mid-run it would stomp a
// deployment a live worker in this very process is actively driving
// through Building/Loading. Instead the sweep cross-checks every transient
// row against the cancellation registry and only stops the ones with no
// live token — rows orphaned by a crash that skipped Untrack, or left
// behind by a process that died between a scope exit and the next one.
type reconciler struct {
	store   recoveryStore
	cancels *cancel.Registry
	core    *capture.Core
	zapLog  *zap.Logger
	log     *logrus.Logger
	spec    string

	cron *cron.Cron
}

func newReconciler(store recoveryStore, cancels *cancel.Registry, core *capture.Core, log *logrus.Logger, spec string) *reconciler {
	if spec == "" {
		spec = defaultReconcileSpec
	}
	return &reconciler{
		store:   store,
		cancels: cancels,
		core:    core,
		zapLog:  zap.New(core),
		log:     log,
		spec:    spec,
	}
}

// Name implements system.Service.
func (r *reconciler) Name() string { return "reconciliation-sweep" }

// Start implements system.Service.
func (r *reconciler) Start(context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.spec, r.sweep); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop implements system.Service.
func (r *reconciler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *reconciler) sweep() {
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	rows, err := r.store.GetAllTransientDeployments(ctx)
	if err != nil {
		r.log.WithError(err).Warn("reconciliation sweep: get_all_transient_deployments failed")
		return
	}

	stopped := 0
	for _, d := range rows {
		if r.cancels.Tracked(d.ID) {
			continue // a live worker in this process still owns it
		}
		_, logger, exit := capture.EnterState(ctx, r.zapLog, r.core, d.ID, model.StateStopped, nil)
		logger.Warn("reconciliation sweep: stopping orphaned deployment", zap.String("previous_state", string(d.State)))
		exit()
		stopped++
	}

	r.log.WithField("tracked_cancellation_tokens", r.cancels.Len()).
		WithField("orphans_stopped", stopped).
		Debug("reconciliation sweep complete")
}
