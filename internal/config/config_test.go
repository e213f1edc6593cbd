package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PIPAGENT_PORT", "PIPAGENT_ROOT", "PIPAGENT_EXEC_TIMEOUT", "PIPAGENT_VERIFY_UPLOADS", "PIPAGENT_ENDPOINTS", "PIPAGENT_UNSAFE_NO_ISOLATION"} {
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 2233 {
		t.Errorf("expected port 2233, got %d", cfg.Port)
	}
	if cfg.Root != "/var/lib/pipagent" {
		t.Errorf("unexpected root %s", cfg.Root)
	}
	if cfg.ExecTimeout != 10*time.Minute {
		t.Errorf("expected 10m exec timeout, got %v", cfg.ExecTimeout)
	}
	if !cfg.VerifyUploads {
		t.Error("upload verification should default to on")
	}
	if cfg.UnsafeNoIsolation {
		t.Error("process isolation should default to on")
	}
	if cfg.ChunkSize != 1<<20 {
		t.Errorf("expected 1MiB chunks, got %d", cfg.ChunkSize)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PIPAGENT_PORT", "9999")
	t.Setenv("PIPAGENT_ENDPOINTS", "a:1, b:2,,")
	t.Setenv("PIPAGENT_EXEC_TIMEOUT", "90s")
	t.Setenv("PIPAGENT_VERIFY_UPLOADS", "false")
	t.Setenv("PIPAGENT_PASSTHROUGH_ENV", "PATH,HOME")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if len(cfg.Endpoints) != 2 || cfg.Endpoints[0] != "a:1" || cfg.Endpoints[1] != "b:2" {
		t.Errorf("unexpected endpoints %q", cfg.Endpoints)
	}
	if cfg.ExecTimeout != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.ExecTimeout)
	}
	if cfg.VerifyUploads {
		t.Error("expected verification disabled")
	}
	if len(cfg.PassthroughEnv) != 2 {
		t.Errorf("unexpected passthrough env %q", cfg.PassthroughEnv)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PIPAGENT_PORT", "not-a-number"},
		{"PIPAGENT_HTTP_PORT", "x"},
		{"PIPAGENT_EXEC_TIMEOUT", "ten minutes"},
		{"PIPAGENT_NESTED_TERMINATION_TIMEOUT", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestValidateWorker(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"secret", Config{Root: "/r", TokenSecret: "s", VerifyUploads: true}, false},
		{"insecure waiver", Config{Root: "/r", AllowInsecure: true}, false},
		{"no secret", Config{Root: "/r"}, true},
		{"no root", Config{TokenSecret: "s"}, true},
		{"cert without key", Config{Root: "/r", TokenSecret: "s", TLSCert: "c.pem"}, true},
		{"engine dir inside root", Config{Root: "/r", TokenSecret: "s", EngineDir: "/r/engine"}, true},
		{"root inside engine dir", Config{Root: "/opt/engine/state", TokenSecret: "s", EngineDir: "/opt/engine"}, true},
		{"separate engine dir", Config{Root: "/r", TokenSecret: "s", EngineDir: "/opt/engine"}, false},
		{"system path exposing root", Config{Root: "/var/lib/pipagent", TokenSecret: "s", SandboxSystemPaths: []string{"/usr", "/var"}}, true},
		{"unsafe waiver", Config{Root: "/r", TokenSecret: "s", UnsafeNoIsolation: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateWorker()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorker() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClient(t *testing.T) {
	ok := Config{Endpoints: []string{"w:2233"}, TokenSecret: "s", ChunkSize: 1024}
	if err := ok.ValidateClient(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	none := Config{TokenSecret: "s", ChunkSize: 1024}
	if err := none.ValidateClient(); err == nil {
		t.Error("expected error without endpoints")
	}
}

func TestApplySecrets(t *testing.T) {
	t.Setenv("PIPAGENT_TOKEN_SECRET", "from-env")
	os.Unsetenv("PIPAGENT_S3_BUCKET")
	t.Cleanup(func() { os.Unsetenv("PIPAGENT_S3_BUCKET") })

	applied, total, err := applySecrets(`{"PIPAGENT_TOKEN_SECRET":"from-secret","PIPAGENT_S3_BUCKET":"blobs"}`)
	if err != nil {
		t.Fatalf("applySecrets: %v", err)
	}
	if applied != 1 || total != 2 {
		t.Errorf("applied=%d total=%d", applied, total)
	}
	if os.Getenv("PIPAGENT_TOKEN_SECRET") != "from-env" {
		t.Error("env var should take precedence")
	}
	if os.Getenv("PIPAGENT_S3_BUCKET") != "blobs" {
		t.Error("secret not applied")
	}

	if _, _, err := applySecrets("not json"); err == nil {
		t.Error("expected parse error")
	}
}
