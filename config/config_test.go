package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "pipe.toml", `
name = "logger"
socket_dir = "/run/pipe"

[client]
reconnect_initial = "50ms"
reconnect_max = "2s"
call_timeout = "5s"

[server]
relisten_delay = "250ms"
rate_limit = 100.0
rate_burst = 10

[log]
level = "debug"

[registry]
endpoints = ["127.0.0.1:2379"]
ttl = 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "logger" || cfg.SocketDir != "/run/pipe" {
		t.Fatalf("unexpected identity %q %q", cfg.Name, cfg.SocketDir)
	}
	if cfg.Client.ReconnectInitial.Duration != 50*time.Millisecond || cfg.Client.ReconnectMax.Duration != 2*time.Second {
		t.Fatalf("unexpected reconnect settings %+v", cfg.Client)
	}
	if cfg.Client.CallTimeout.Duration != 5*time.Second {
		t.Fatalf("unexpected call timeout %v", cfg.Client.CallTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Client.StartupGrace.Duration != 2*time.Second {
		t.Fatalf("startup grace default lost: %v", cfg.Client.StartupGrace)
	}
	if cfg.Server.RelistenDelay.Duration != 250*time.Millisecond || cfg.Server.RateBurst != 10 {
		t.Fatalf("unexpected server settings %+v", cfg.Server)
	}
	if diff := cmp.Diff([]string{"127.0.0.1:2379"}, cfg.Registry.Endpoints); diff != "" {
		t.Fatalf("endpoints (-want +got):\n%s", diff)
	}
	if cfg.Registry.TTL != 30 {
		t.Fatalf("expect ttl 30, got %d", cfg.Registry.TTL)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "pipe.yaml", `
name: worker
client:
  startup_grace: 500ms
server:
  handler_timeout: 1s
log:
  json: true
  timestamp: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "worker" || cfg.Client.StartupGrace.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Server.HandlerTimeout.Duration != time.Second {
		t.Fatalf("unexpected handler timeout %v", cfg.Server.HandlerTimeout)
	}
	if !cfg.Log.JSON || cfg.Log.Timestamp == nil || *cfg.Log.Timestamp {
		t.Fatalf("unexpected log section %+v", cfg.Log)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad-duration.toml": "[client]\nreconnect_initial = \"soon\"\n",
		"bad-name.toml":     "name = \"a/b\"\n",
		"config.json":       "{}",
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, name, body)); err == nil {
			t.Errorf("%s: expect an error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file: expect an error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvName, "from-env")
	t.Setenv(EnvSocketDir, "/tmp/env")
	t.Setenv(EnvEtcdEndpoints, "a:2379, b:2379,")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "from-env" || cfg.SocketDir != "/tmp/env" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if diff := cmp.Diff([]string{"a:2379", "b:2379"}, cfg.Registry.Endpoints); diff != "" {
		t.Fatalf("endpoints (-want +got):\n%s", diff)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"log", "my-app_1", "svc.v2"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("%q: unexpected error %v", name, err)
		}
	}
	for _, name := range []string{"", "..", "a b", "x/y"} {
		if err := ValidateName(name); err == nil {
			t.Errorf("%q: expect an error", name)
		}
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	cfg.Server.RateLimit = 5
	cfg.Server.HandlerTimeout = Duration{time.Second}
	cfg.Server.Retries = 2

	if got := len(cfg.Middlewares(zerolog.Nop())); got != 5 {
		t.Fatalf("expect 5 middlewares, got %d", got)
	}
	if got := len(cfg.ClientOptions(nil)); got != 6 {
		t.Fatalf("expect 6 client options, got %d", got)
	}
	if got := len(cfg.ServerOptions(nil)); got != 3 {
		t.Fatalf("expect 3 server options, got %d", got)
	}
	p := cfg.ReconnectPolicy()
	if p.InitialDelay != 100*time.Millisecond || p.MaxDelay != time.Second || p.Multiplier != 2 {
		t.Fatalf("unexpected reconnect policy %+v", p)
	}
	reg, err := cfg.OpenRegistry()
	if reg != nil || err != nil {
		t.Fatalf("no endpoints should mean no registry, got %v %v", reg, err)
	}

	cfg.Log.Level = "loud"
	if _, err := cfg.Logging(); err == nil {
		t.Fatal("expect an error for an unknown level")
	}
}
