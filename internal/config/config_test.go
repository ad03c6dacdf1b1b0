package config

import "testing"

func TestParseRejectsMissingRequiredFlags(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected an error when no required flags are supplied")
	}
}

func TestParseAcceptsRequiredFlagsAndAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]string{
		"--provisioner-address", "10.0.0.5",
		"--proxy-fqdn", "deploys.example.com",
		"--gateway-address", "http://gateway.internal:8000",
		"--admin-secret", "s3cret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProvisionerPort != 5000 {
		t.Fatalf("expected default provisioner port 5000, got %d", cfg.ProvisionerPort)
	}
	if cfg.BuildConcurrency != 2 {
		t.Fatalf("expected default build concurrency 2, got %d", cfg.BuildConcurrency)
	}
	if cfg.ArtifactsPath != "./artifacts" {
		t.Fatalf("expected default artifacts path, got %q", cfg.ArtifactsPath)
	}
}

func TestParseRejectsNonPositiveBuildConcurrency(t *testing.T) {
	_, err := Parse([]string{
		"--provisioner-address", "10.0.0.5",
		"--proxy-fqdn", "deploys.example.com",
		"--gateway-address", "http://gateway.internal:8000",
		"--admin-secret", "s3cret",
		"--build-concurrency", "0",
	})
	if err == nil {
		t.Fatal("expected an error for a non-positive build concurrency")
	}
}
