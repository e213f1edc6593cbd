package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the agent and its clients.
type Config struct {
	Root        string // Worker root: CAS, uploads, sandboxes and the journal live here
	EngineDir   string // Directory readable by every pip (toolchain, engine binaries)
	Port        int    // gRPC port
	HTTPPort    int    // Admin HTTP port (health, executions, CAS stats)
	MetricsAddr string // Prometheus listener, empty to serve /metrics from the admin server only

	// Worker identity
	WorkerID    string
	Region      string
	MaxCapacity int // Concurrent executions advertised in heartbeats

	// Coordinator side
	Endpoints         []string // Static worker endpoints, host:port
	UploadConcurrency int
	ChunkSize         int // StoreFile chunk size in bytes
	BufferPoolSize    int

	// Channel security
	TokenSecret   string // Shared HS256 secret for channel tokens
	TLSCert       string
	TLSKey        string
	TLSCA         string
	AllowInsecure bool // Permit plaintext and unauthenticated channels

	// Execution
	ExecTimeout              time.Duration
	NestedTerminationTimeout time.Duration
	UnsafeNoIsolation        bool     // Run children directly on the host; never in shared deployments
	BwrapPath                string   // bubblewrap executable, found in the standard locations when empty
	SandboxSystemPaths       []string // Host paths isolated children see read-only; sandbox defaults when empty
	OutputLimit              int      // Bytes of stdout and of stderr kept per execution
	RetainSandboxes          bool
	PassthroughEnv           []string // Host variables visible to pass-through env entries
	VerifyUploads            bool
	PinConcurrency           int

	// S3-compatible remote blob tier
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3Prefix          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// Discovery and events
	RedisURL string
	NATSURL  string

	// AWS Secrets Manager: if set, secrets are fetched at startup using IAM credentials.
	// The secret is a JSON object keyed by env var name. Env vars take precedence.
	SecretsARN string
}

// Load reads configuration from PIPAGENT_* environment variables with
// defaults. If PIPAGENT_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("PIPAGENT_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Root:        envOrDefault("PIPAGENT_ROOT", "/var/lib/pipagent"),
		EngineDir:   os.Getenv("PIPAGENT_ENGINE_DIR"),
		Port:        2233,
		HTTPPort:    8080,
		MetricsAddr: os.Getenv("PIPAGENT_METRICS_ADDR"),

		WorkerID:    envOrDefault("PIPAGENT_WORKER_ID", "w-local-1"),
		Region:      envOrDefault("PIPAGENT_REGION", "local"),
		MaxCapacity: envOrDefaultInt("PIPAGENT_MAX_CAPACITY", 16),

		Endpoints:         splitList(os.Getenv("PIPAGENT_ENDPOINTS")),
		UploadConcurrency: envOrDefaultInt("PIPAGENT_UPLOAD_CONCURRENCY", 8),
		ChunkSize:         envOrDefaultInt("PIPAGENT_CHUNK_SIZE", 1<<20),
		BufferPoolSize:    envOrDefaultInt("PIPAGENT_BUFFER_POOL_SIZE", 16),

		TokenSecret:   os.Getenv("PIPAGENT_TOKEN_SECRET"),
		TLSCert:       os.Getenv("PIPAGENT_TLS_CERT"),
		TLSKey:        os.Getenv("PIPAGENT_TLS_KEY"),
		TLSCA:         os.Getenv("PIPAGENT_TLS_CA"),
		AllowInsecure: os.Getenv("PIPAGENT_ALLOW_INSECURE") == "true",

		UnsafeNoIsolation:  os.Getenv("PIPAGENT_UNSAFE_NO_ISOLATION") == "true",
		BwrapPath:          os.Getenv("PIPAGENT_BWRAP_PATH"),
		SandboxSystemPaths: splitList(os.Getenv("PIPAGENT_SANDBOX_SYSTEM_PATHS")),
		OutputLimit:        envOrDefaultInt("PIPAGENT_OUTPUT_LIMIT", 64<<10),
		RetainSandboxes:    os.Getenv("PIPAGENT_RETAIN_SANDBOXES") == "true",
		PassthroughEnv:     splitList(os.Getenv("PIPAGENT_PASSTHROUGH_ENV")),
		VerifyUploads:      envOrDefault("PIPAGENT_VERIFY_UPLOADS", "true") != "false",
		PinConcurrency:     envOrDefaultInt("PIPAGENT_PIN_CONCURRENCY", 16),

		S3Endpoint:        os.Getenv("PIPAGENT_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("PIPAGENT_S3_BUCKET"),
		S3Region:          os.Getenv("PIPAGENT_S3_REGION"),
		S3Prefix:          os.Getenv("PIPAGENT_S3_PREFIX"),
		S3AccessKeyID:     os.Getenv("PIPAGENT_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("PIPAGENT_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("PIPAGENT_S3_FORCE_PATH_STYLE") == "true",

		RedisURL: os.Getenv("PIPAGENT_REDIS_URL"),
		NATSURL:  os.Getenv("PIPAGENT_NATS_URL"),

		SecretsARN: os.Getenv("PIPAGENT_SECRETS_ARN"),
	}

	if cfg.S3Region == "" {
		cfg.S3Region = cfg.Region
	}

	var err error
	if cfg.Port, err = envInt("PIPAGENT_PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.HTTPPort, err = envInt("PIPAGENT_HTTP_PORT", cfg.HTTPPort); err != nil {
		return nil, err
	}
	if cfg.ExecTimeout, err = envDuration("PIPAGENT_EXEC_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.NestedTerminationTimeout, err = envDuration("PIPAGENT_NESTED_TERMINATION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateWorker checks the settings a worker node needs before it starts
// serving. Channel security is mandatory unless explicitly waived.
func (c *Config) ValidateWorker() error {
	if c.Root == "" {
		return fmt.Errorf("PIPAGENT_ROOT is required")
	}
	if c.TokenSecret == "" && !c.AllowInsecure {
		return fmt.Errorf("PIPAGENT_TOKEN_SECRET is required (set PIPAGENT_ALLOW_INSECURE=true to run without channel authentication)")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("PIPAGENT_TLS_CERT and PIPAGENT_TLS_KEY must be set together")
	}
	if c.TLSCert == "" && !c.AllowInsecure {
		log.Printf("config: no TLS certificate configured; bearer tokens are sent over plaintext")
	}
	if c.EngineDir != "" && (isWithin(c.EngineDir, c.Root) || isWithin(c.Root, c.EngineDir)) {
		return fmt.Errorf("PIPAGENT_ENGINE_DIR %s overlaps PIPAGENT_ROOT %s; children would see the worker's store", c.EngineDir, c.Root)
	}
	for _, p := range c.SandboxSystemPaths {
		if isWithin(c.Root, p) {
			return fmt.Errorf("PIPAGENT_SANDBOX_SYSTEM_PATHS entry %s contains PIPAGENT_ROOT %s", p, c.Root)
		}
	}
	if c.UnsafeNoIsolation {
		log.Printf("config: WARNING process isolation disabled (PIPAGENT_UNSAFE_NO_ISOLATION=true); children can read and write the whole host")
	}
	if !c.VerifyUploads {
		log.Printf("config: WARNING upload verification disabled (PIPAGENT_VERIFY_UPLOADS=false); use for benchmarking only")
	}
	return nil
}

// ValidateClient checks the settings a coordinator needs to reach workers.
func (c *Config) ValidateClient() error {
	if len(c.Endpoints) == 0 && c.RedisURL == "" {
		return fmt.Errorf("no workers configured: set PIPAGENT_ENDPOINTS or PIPAGENT_REDIS_URL")
	}
	if c.TokenSecret == "" && !c.AllowInsecure {
		return fmt.Errorf("PIPAGENT_TOKEN_SECRET is required (set PIPAGENT_ALLOW_INSECURE=true to run without channel authentication)")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid PIPAGENT_CHUNK_SIZE %d", c.ChunkSize)
	}
	return nil
}

// isWithin reports whether p is dir or lies under it.
func isWithin(p, dir string) bool {
	p, dir = filepath.Clean(p), filepath.Clean(dir)
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	applied, total, err := applySecrets(*result.SecretString)
	if err != nil {
		return err
	}
	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, total)
	return nil
}

func applySecrets(raw string) (applied, total int, err error) {
	var secrets map[string]string
	if err := json.Unmarshal([]byte(raw), &secrets); err != nil {
		return 0, 0, fmt.Errorf("parse secret JSON: %w", err)
	}
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}
	return applied, len(secrets), nil
}
