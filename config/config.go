package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dan-fein/sandbox-bootstrap-next/model"
)

// Config is read once at startup. Components receive the value object
// at construction; nothing reads the environment after Load returns.
type Config struct {
	GatewayAddr string

	// Config store
	StoreBackend    string // edge-config, consul
	EdgeConfigID    string
	EdgeConfigToken string
	EdgeConfigAPI   string
	ConsulAddr      string

	// Sandbox provider
	ProviderBackend string // vercel, nomad
	SandboxAPI      string
	NomadAddr       string
	VercelToken     string
	VercelTeamID    string
	VercelProjectID string

	// Application bootstrapped inside each sandbox
	AppRepo  string
	AppRef   string
	Port     int
	Workdir  string
	SpecFile string

	KeepaliveToken string

	// Gateway behavior
	SelfURL            string
	DisableEdgeRewrite bool
	DebugRouting       bool

	MonitoringDisabled bool

	// Rotation cadence
	RotationInterval time.Duration
	DrainGrace       time.Duration
	CronSpec         string

	// Optional tick audit persistence
	DatabaseURL string

	// Optional state snapshot archive
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string
	S3UseSSL    bool

	AllowedOrigins string
}

// Load reads and validates the environment. Missing required values
// fail fast with the exact variable name.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayAddr: envOr("SANDBOX_GATEWAY_ADDR", ":8080"),

		StoreBackend:    envOr("SANDBOX_STORE", "edge-config"),
		EdgeConfigID:    os.Getenv("EDGE_CONFIG_ID"),
		EdgeConfigToken: os.Getenv("EDGE_CONFIG_TOKEN"),
		EdgeConfigAPI:   envOr("EDGE_CONFIG_API_URL", "https://api.vercel.com"),
		ConsulAddr:      envOr("SANDBOX_CONSUL_ADDR", "http://localhost:8500"),

		ProviderBackend: envOr("SANDBOX_PROVIDER", "vercel"),
		SandboxAPI:      envOr("SANDBOX_API_URL", "https://api.vercel.com"),
		NomadAddr:       envOr("SANDBOX_NOMAD_ADDR", "http://localhost:4646"),
		VercelToken:     envFirst("VERCEL_TOKEN", "VERCEL_API_TOKEN"),
		VercelTeamID:    envFirst("VERCEL_TEAM_ID", "VERCEL_ORG_ID"),
		VercelProjectID: os.Getenv("VERCEL_PROJECT_ID"),

		AppRepo:  os.Getenv("SANDBOX_APP_REPO"),
		AppRef:   envOr("SANDBOX_APP_REF", "main"),
		Workdir:  envOr("SANDBOX_WORKDIR", "/tmp/next-sandbox-app"),
		SpecFile: os.Getenv("SANDBOX_SPEC_FILE"),

		KeepaliveToken: os.Getenv("KEEPALIVE_TOKEN"),

		SelfURL:            os.Getenv("SANDBOX_SELF_URL"),
		DisableEdgeRewrite: os.Getenv("DISABLE_EDGE_REWRITE") == "true",
		DebugRouting:       os.Getenv("DEBUG_SANDBOX_ROUTING") == "true",

		MonitoringDisabled: model.FlagEnabled(os.Getenv("NEXT_APP_SKIP_MONITORING_ROUTES")),

		RotationInterval: 5 * time.Hour,
		DrainGrace:       10 * time.Minute,
		CronSpec:         envOr("SANDBOX_CRON", "*/5 * * * *"),

		DatabaseURL: os.Getenv("SANDBOX_DATABASE_URL"),

		S3Endpoint:  os.Getenv("SANDBOX_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("SANDBOX_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("SANDBOX_S3_SECRET_KEY"),
		S3Region:    envOr("SANDBOX_S3_REGION", "auto"),
		S3Bucket:    envOr("SANDBOX_S3_BUCKET", "sandbox-watchdog"),
		S3UseSSL:    os.Getenv("SANDBOX_S3_USE_SSL") != "false",

		AllowedOrigins: os.Getenv("SANDBOX_ALLOWED_ORIGINS"),
	}

	// An explicitly empty SANDBOX_CRON turns the internal schedule off.
	if v, ok := os.LookupEnv("SANDBOX_CRON"); ok {
		cfg.CronSpec = v
	}

	port := envOr("SANDBOX_PORT", "3000")
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("config: SANDBOX_PORT must be a positive integer, got %q", port)
	}
	cfg.Port = n

	if !cfg.MonitoringDisabled {
		required := map[string]string{
			"SANDBOX_APP_REPO": cfg.AppRepo,
			"KEEPALIVE_TOKEN":  cfg.KeepaliveToken,
		}
		if cfg.StoreBackend == "edge-config" {
			required["EDGE_CONFIG_ID"] = cfg.EdgeConfigID
			required["EDGE_CONFIG_TOKEN"] = cfg.EdgeConfigToken
		}
		for name, v := range required {
			if v == "" {
				return nil, fmt.Errorf("config: missing required environment variable %s", name)
			}
		}
	}

	// Vercel credentials travel as a unit.
	creds := 0
	for _, v := range []string{cfg.VercelToken, cfg.VercelTeamID, cfg.VercelProjectID} {
		if v != "" {
			creds++
		}
	}
	if creds != 0 && creds != 3 {
		return nil, fmt.Errorf("config: VERCEL_TOKEN, VERCEL_TEAM_ID and VERCEL_PROJECT_ID must be set together")
	}

	switch cfg.StoreBackend {
	case "edge-config", "consul":
	default:
		return nil, fmt.Errorf("config: unknown SANDBOX_STORE %q", cfg.StoreBackend)
	}
	switch cfg.ProviderBackend {
	case "vercel", "nomad":
	default:
		return nil, fmt.Errorf("config: unknown SANDBOX_PROVIDER %q", cfg.ProviderBackend)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
