// Command deployengine runs the per-project deployment engine: it accepts
// build submissions, compiles and runs them, and persists the resulting
// deployment log stream.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/deployengine/core/internal/config"
	"github.com/deployengine/core/internal/deploy/buildqueue"
	"github.com/deployengine/core/internal/deploy/manager"
	"github.com/deployengine/core/internal/deployerr"
	"github.com/deployengine/core/internal/deploy/store"
	"github.com/deployengine/core/internal/platform/database"
	"github.com/deployengine/core/internal/platform/migrations"
	"github.com/deployengine/core/internal/provisioner"
	"github.com/deployengine/core/internal/runtimehost"
	"github.com/deployengine/core/pkg/logger"
	"github.com/deployengine/core/pkg/opsserver"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log0 := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.DBPath)
	if err != nil {
		log0.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(rootCtx, db.DB); err != nil {
		log0.Fatalf("apply migrations: %v", err)
	}

	st, err := store.New(db, cfg.AdminSecret)
	if err != nil {
		log0.Fatalf("construct store: %v", err)
	}

	gatewayClient := buildqueue.NewGatewayClient(cfg.GatewayAddress, cfg.AdminSecret)
	provisionerClient := provisioner.New(cfg.ProvisionerAddress, cfg.ProvisionerPort)
	host := runtimehost.New(nil)
	runtimeLoggers := runtimehost.NewFileLoggerFactory(cfg.ArtifactsPath)

	mgr, err := manager.New(
		manager.WithStore(st),
		manager.WithLogRecorder(st),
		manager.WithAbstractFactory(provisionerClient),
		manager.WithRuntimeLoggerFactory(runtimeLoggers),
		manager.WithRuntimeHost(host),
		manager.WithBuilder(compiler{}),
		manager.WithQueueClient(gatewayClient),
		manager.WithGitInfoRecorder(st),
		manager.WithArtifactsPath(cfg.ArtifactsPath),
		manager.WithBuildConcurrency(cfg.BuildConcurrency),
		manager.WithReconcileSpec(cfg.ReconcileSpec),
		manager.WithLogger(log0),
	)
	if err != nil {
		log0.Fatalf("construct manager: %v", err)
	}

	ops := opsserver.New(cfg.MetricsAddr, nil)
	if err := mgr.Attach(ops); err != nil {
		log0.Fatalf("attach ops server: %v", err)
	}

	if err := mgr.Start(rootCtx); err != nil {
		if deployerr.Of(err, deployerr.Persistence) {
			log0.Fatalf("start manager: startup recovery could not reach the store: %v", err)
		}
		log0.Fatalf("start manager: %v", err)
	}
	log0.Infof("deployengine listening for ops traffic on %s", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := mgr.Stop(shutdownCtx); err != nil {
		log0.Fatalf("shutdown: %v", err)
	}
}

// compiler is the default capability.Builder: a plain `go build`/`go test`
// invocation over the unpacked source tree, since no pack repo names a
// different build toolchain for this domain.
type compiler struct{}

func (compiler) Compile(ctx context.Context, workdir string) error {
	return runCmd(ctx, workdir, "go", "build", "./...")
}

func (compiler) Test(ctx context.Context, workdir string) error {
	return runCmd(ctx, workdir, "go", "test", "./...")
}

func runCmd(ctx context.Context, workdir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, args, err, out)
	}
	return nil
}
