// Package config resolves the deployment engine's startup configuration
// from command-line flags, mirroring the teacher's stdlib-flag-plus-env
// style rather than a third-party config/flag framework.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config is every value the engine needs before it can construct its
// capabilities and start accepting work.
type Config struct {
	ProvisionerAddress string
	ProvisionerPort    int
	ProxyFQDN          string
	GatewayAddress     string
	AdminSecret        string

	BuildConcurrency int
	ArtifactsPath    string
	DBPath           string
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	ReconcileSpec    string
}

// Parse builds a Config from args (normally os.Args[1:]). The provisioner
// address, proxy FQDN, gateway address and admin secret fall back to
// PROVISIONER_ADDRESS, PROXY_FQDN, GATEWAY_ADDRESS and ADMIN_SECRET when
// their flag is empty; no other field reads the environment. It then
// validates the required fields are present.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("deployengine", flag.ContinueOnError)

	provisionerAddress := fs.String("provisioner-address", "", "address of the resource provisioner (required)")
	provisionerPort := fs.Int("provisioner-port", 5000, "port of the resource provisioner")
	proxyFQDN := fs.String("proxy-fqdn", "", "base domain the reverse proxy serves deployments under (required)")
	gatewayAddress := fs.String("gateway-address", "", "base URL of the build-slot arbiter gateway (required)")
	adminSecret := fs.String("admin-secret", "", "shared secret authenticating admin/gateway calls (required)")

	buildConcurrency := fs.Int("build-concurrency", 2, "maximum concurrently running builds")
	artifactsPath := fs.String("artifacts-path", "./artifacts", "directory unpacked build artifacts are stored under")
	dbPath := fs.String("db-path", "./deployer.sqlite", "path to the sqlite state database")
	logLevel := fs.String("log-level", "info", "log level: trace, debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text or json")
	metricsAddr := fs.String("metrics-addr", ":9090", "listen address for the /healthz and /metrics endpoints")
	reconcileSpec := fs.String("reconcile-spec", "", "cron spec for the reconciliation sweep (default @every 1m)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ProvisionerAddress: firstNonEmpty(*provisionerAddress, os.Getenv("PROVISIONER_ADDRESS")),
		ProvisionerPort:    *provisionerPort,
		ProxyFQDN:          firstNonEmpty(*proxyFQDN, os.Getenv("PROXY_FQDN")),
		GatewayAddress:     firstNonEmpty(*gatewayAddress, os.Getenv("GATEWAY_ADDRESS")),
		AdminSecret:        firstNonEmpty(*adminSecret, os.Getenv("ADMIN_SECRET")),
		BuildConcurrency:   *buildConcurrency,
		ArtifactsPath:      *artifactsPath,
		DBPath:             *dbPath,
		LogLevel:           *logLevel,
		LogFormat:          *logFormat,
		MetricsAddr:        *metricsAddr,
		ReconcileSpec:      *reconcileSpec,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.ProvisionerAddress) == "" {
		missing = append(missing, "--provisioner-address")
	}
	if strings.TrimSpace(c.ProxyFQDN) == "" {
		missing = append(missing, "--proxy-fqdn")
	}
	if strings.TrimSpace(c.GatewayAddress) == "" {
		missing = append(missing, "--gateway-address")
	}
	if strings.TrimSpace(c.AdminSecret) == "" {
		missing = append(missing, "--admin-secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required flags: %s", strings.Join(missing, ", "))
	}
	if c.BuildConcurrency < 1 {
		return fmt.Errorf("config: --build-concurrency must be at least 1")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
