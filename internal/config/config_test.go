package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshwork.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Driver != StoreMemory || cfg.Transport.Driver != TransportMemory {
		t.Errorf("expected in-memory drivers, got %s/%s", cfg.Store.Driver, cfg.Transport.Driver)
	}
	if cfg.Tasks.Lease != 10*time.Second {
		t.Errorf("expected lease 10s, got %v", cfg.Tasks.Lease)
	}
	if cfg.Tasks.AdmissionTimeout != 0 {
		t.Errorf("admission timeout should be disabled by default, got %v", cfg.Tasks.AdmissionTimeout)
	}
	if !cfg.Node.Worker || !cfg.Node.Orchestrator {
		t.Error("both roles should be enabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
node:
  id: edge-1
  capabilities: [gpu, ros2]
  orchestrator: false
store:
  driver: NATS
  bucket: mesh
tasks:
  lease: 3s
  max_retries: 1
  admission_timeout: 30s
http:
  addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Node.ID != "edge-1" {
		t.Errorf("expected node id edge-1, got %q", cfg.Node.ID)
	}
	if len(cfg.Node.Capabilities) != 2 || cfg.Node.Capabilities[0] != "gpu" {
		t.Errorf("unexpected capabilities %v", cfg.Node.Capabilities)
	}
	if cfg.Node.Orchestrator || !cfg.Node.Worker {
		t.Errorf("expected worker-only node, got %+v", cfg.Node)
	}
	if cfg.Store.Driver != StoreNATS || cfg.Store.Bucket != "mesh" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Tasks.Lease != 3*time.Second || cfg.Tasks.MaxRetries != 1 || cfg.Tasks.AdmissionTimeout != 30*time.Second {
		t.Errorf("unexpected tasks %+v", cfg.Tasks)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %q", cfg.HTTP.Addr)
	}
	// не заданное в файле берётся из defaults
	if cfg.Cache.Size != 1024 {
		t.Errorf("expected default cache size, got %d", cfg.Cache.Size)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")
	t.Setenv("MESHWORK_STORE_DRIVER", "postgres")
	t.Setenv("MESHWORK_STORE_POSTGRES_DSN", "postgres://mesh@localhost/mesh")
	t.Setenv("MESHWORK_TASKS_LEASE", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != StorePostgres {
		t.Errorf("env should override file, got %s", cfg.Store.Driver)
	}
	if cfg.Tasks.Lease != 2*time.Second {
		t.Errorf("expected lease 2s, got %v", cfg.Tasks.Lease)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", "store:\n  driver: redis\n"},
		{"unknown transport", "transport:\n  driver: kafka\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"negative retries", "tasks:\n  max_retries: -1\n"},
		{"no roles", "node:\n  worker: false\n  orchestrator: false\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "store: [unclosed\n"))
	if err == nil {
		t.Fatal("expected read error")
	}
	if errors.Is(err, ErrInvalidConfig) {
		t.Errorf("malformed yaml should be a read error, got %v", err)
	}
}
