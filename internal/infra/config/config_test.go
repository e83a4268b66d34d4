package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.EventLog.Driver != "sqlite" {
		t.Errorf("EventLog.Driver = %q, want %q", cfg.EventLog.Driver, "sqlite")
	}
	if cfg.Stream.Backend != "bus" {
		t.Errorf("Stream.Backend = %q, want %q", cfg.Stream.Backend, "bus")
	}
	if cfg.Session.FailureThreshold != 3 {
		t.Errorf("Session.FailureThreshold = %d, want 3", cfg.Session.FailureThreshold)
	}
	if cfg.Gateway.HeartbeatTTL != 30*time.Second {
		t.Errorf("Gateway.HeartbeatTTL = %v, want 30s", cfg.Gateway.HeartbeatTTL)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("expected defaults, got MaxAttempts=%d", cfg.Delivery.MaxAttempts)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logger:
  level: "debug"
eventlog:
  driver: "memory"
  snapshot_every: 10
delivery:
  interval: 250ms
  max_attempts: 2
gateway:
  addr: "127.0.0.1:9000"
  auth:
    tokens:
      - token: "t1"
        name: "ops"
        roles: ["admin"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.EventLog.Driver != "memory" || cfg.EventLog.SnapshotEvery != 10 {
		t.Errorf("EventLog = %+v", cfg.EventLog)
	}
	if cfg.Delivery.Interval != 250*time.Millisecond || cfg.Delivery.MaxAttempts != 2 {
		t.Errorf("Delivery = %+v", cfg.Delivery)
	}
	// Unset fields keep their defaults.
	if cfg.Delivery.BatchSize != 32 {
		t.Errorf("Delivery.BatchSize = %d, want 32", cfg.Delivery.BatchSize)
	}
	if len(cfg.Gateway.Auth.Tokens) != 1 || cfg.Gateway.Auth.Tokens[0].Name != "ops" {
		t.Errorf("Tokens = %+v", cfg.Gateway.Auth.Tokens)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AGENTGRID_GATEWAY_SERVER_ID=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// godotenv.Load sets the variable process-wide; register it with t.Setenv
	// so the original value is restored.
	t.Setenv("AGENTGRID_GATEWAY_SERVER_ID", "")
	os.Unsetenv("AGENTGRID_GATEWAY_SERVER_ID")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ServerID != "from-dotenv" {
		t.Errorf("ServerID = %q, want %q", cfg.Gateway.ServerID, "from-dotenv")
	}
}

func TestEnvWinsOverEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AGENTGRID_LOGGER_LEVEL=error\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTGRID_LOGGER_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTGRID_LOGGER_LEVEL", "debug")
	t.Setenv("AGENTGRID_STREAM_BACKEND", "redis")
	t.Setenv("AGENTGRID_CLUSTER_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AGENTGRID_CLUSTER_LEASE_TTL", "5s")
	t.Setenv("AGENTGRID_DELIVERY_MAX_ATTEMPTS", "9")
	t.Setenv("AGENTGRID_EVENTLOG_SNAPSHOT_EVERY", "0")
	t.Setenv("AGENTGRID_GATEWAY_ALLOWED_ORIGINS", "a.example.com, b.example.com,")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Stream.Backend != "redis" || cfg.Cluster.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("stream/cluster = %+v / %+v", cfg.Stream, cfg.Cluster)
	}
	if cfg.Cluster.LeaseTTL != 5*time.Second {
		t.Errorf("LeaseTTL = %v, want 5s", cfg.Cluster.LeaseTTL)
	}
	if cfg.Delivery.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", cfg.Delivery.MaxAttempts)
	}
	if cfg.EventLog.SnapshotEvery != 0 {
		t.Errorf("SnapshotEvery = %d, want 0", cfg.EventLog.SnapshotEvery)
	}
	want := []string{"a.example.com", "b.example.com"}
	if len(cfg.Gateway.AllowedOrigins) != 2 || cfg.Gateway.AllowedOrigins[0] != want[0] || cfg.Gateway.AllowedOrigins[1] != want[1] {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.Gateway.AllowedOrigins, want)
	}
}

func TestEnvOverridesIgnoreBadNumbers(t *testing.T) {
	t.Setenv("AGENTGRID_DELIVERY_MAX_ATTEMPTS", "many")
	t.Setenv("AGENTGRID_DELIVERY_INTERVAL", "-1s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.Interval != time.Second {
		t.Errorf("Interval = %v, want default 1s", cfg.Delivery.Interval)
	}
}

func TestEnvGatewayTokenIsAdmin(t *testing.T) {
	t.Setenv("AGENTGRID_GATEWAY_TOKEN", "env-secret")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if len(cfg.Gateway.Auth.Tokens) != 1 {
		t.Fatalf("Tokens = %+v", cfg.Gateway.Auth.Tokens)
	}
	tok := cfg.Gateway.Auth.Tokens[0]
	if tok.Token != "env-secret" || len(tok.Roles) != 1 || tok.Roles[0] != "admin" {
		t.Errorf("token = %+v", tok)
	}
}

func TestApplyEnvOverridesTracer(t *testing.T) {
	t.Setenv("AGENTGRID_TRACER_ENABLED", "true")
	t.Setenv("AGENTGRID_TRACER_EXPORTER", "stdout")
	t.Setenv("AGENTGRID_TRACER_SAMPLE_RATIO", "0.25")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" || cfg.Tracer.SampleRatio != 0.25 {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-pass"
	encrypted, err := EncryptValue("my-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if encrypted == "my-secret" {
		t.Fatal("value was not encrypted")
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != "my-secret" {
		t.Errorf("decrypted = %q, want %q", decrypted, "my-secret")
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	a, err := EncryptValue("same", "pass")
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptValue("same", "pass")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same value should differ")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(encrypted, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValueInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "nocolon"},
		{"bad salt", "zz:aabb"},
		{"bad ciphertext", "aabbccdd:zz"},
		{"too short", "aabbccddee112233aabbccddee112233:aabb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptValue(tt.input, "passphrase"); err == nil {
				t.Errorf("DecryptValue(%q) expected error", tt.input)
			}
		})
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "config-pass"
	encToken, err := EncryptValue("tok-real", passphrase)
	if err != nil {
		t.Fatal(err)
	}
	encURL, err := EncryptValue("redis://:pw@redis:6379/0", passphrase)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.Cluster.RedisURL = "enc:" + encURL
	cfg.Gateway.Auth.Tokens = []TokenConfig{
		{Name: "enc", Token: "enc:" + encToken},
		{Name: "plain", Token: "tok-plain"},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Cluster.RedisURL != "redis://:pw@redis:6379/0" {
		t.Errorf("RedisURL = %q", cfg.Cluster.RedisURL)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "tok-real" {
		t.Errorf("Token[0] = %q, want %q", cfg.Gateway.Auth.Tokens[0].Token, "tok-real")
	}
	if cfg.Gateway.Auth.Tokens[1].Token != "tok-plain" {
		t.Errorf("Token[1] = %q, want unchanged", cfg.Gateway.Auth.Tokens[1].Token)
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Tokens = []TokenConfig{{Name: "bad", Token: "enc:not-valid"}}
	if err := decryptSecrets(cfg, "pass"); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	encrypted, err := EncryptValue("tok-loadtest", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
gateway:
  auth:
    tokens:
      - name: "ops"
        token: "enc:` + encrypted + `"
        roles: ["admin"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTGRID_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "tok-loadtest" {
		t.Errorf("Token = %q, want %q", cfg.Gateway.Auth.Tokens[0].Token, "tok-loadtest")
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
gateway:
  auth:
    tokens:
      - name: "ops"
        token: "enc:invalid-not-hex"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTGRID_CONFIG_KEY", "some-passphrase")
	if _, err := Load(path); err == nil {
		t.Error("expected error from decrypt secrets")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// Chmod sidesteps the process umask.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("invalid: [yaml: bad"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()

	for _, tt := range []struct {
		name string
		mode os.FileMode
		ok   bool
	}{
		{"good.yaml", 0600, true},
		{"readable.yaml", 0644, true},
		{"bad.yaml", 0666, false},
		{"group-writable.yaml", 0660, false},
	} {
		path := filepath.Join(dir, tt.name)
		if err := os.WriteFile(path, []byte("test"), 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, tt.mode); err != nil {
			t.Fatal(err)
		}
		err := validatePermissions(path)
		if tt.ok && err != nil {
			t.Errorf("%o should pass: %v", tt.mode, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%o should fail", tt.mode)
		}
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	if err := validatePermissions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for non-existent file")
	}
}
