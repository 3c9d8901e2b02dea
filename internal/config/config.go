package config

import "time"

// Config holds runtime configuration for the orchestrator service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	DockerHost      string
	ContainerImage  string
	ContainerPrefix string
	WorkspaceRoot   string
	CredentialsDir  string
	SessionCommand  []string
	StopGracePeriod time.Duration

	IdleTimeout         time.Duration
	IdleSweepInterval   time.Duration
	HealthCheckInterval time.Duration
	RestartDelay        time.Duration
	ProgressPollEvery   time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables. The idle timeout
// default follows the deployment profile: 15 minutes in development, 60 in
// anything else.
func Load() Config {
	env := GetString("APP_ENV", "development")
	idleDefault := 60
	if env == "development" {
		idleDefault = 15
	}
	return Config{
		Environment:   env,
		Addr:          GetString("ORCHESTRATOR_ADDR", ":8080"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://autocoder:autocoder@db:5432/autocoder?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		DockerHost:      GetString("DOCKER_HOST_OVERRIDE", ""),
		ContainerImage:  GetString("CONTAINER_IMAGE", "autocoder-project"),
		ContainerPrefix: GetString("CONTAINER_PREFIX", "autocoder"),
		WorkspaceRoot:   GetString("WORKSPACE_ROOT", "./projects"),
		CredentialsDir:  GetString("CREDENTIALS_DIR", ""),
		SessionCommand:  []string{GetString("SESSION_COMMAND", "python"), GetString("SESSION_ENTRYPOINT", "/app/agent_app.py")},
		StopGracePeriod: time.Duration(GetInt("STOP_GRACE_SECONDS", 30)) * time.Second,

		IdleTimeout:         time.Duration(GetInt("IDLE_TIMEOUT_MINUTES", idleDefault)) * time.Minute,
		IdleSweepInterval:   time.Duration(GetInt("IDLE_SWEEP_SECONDS", 60)) * time.Second,
		HealthCheckInterval: time.Duration(GetInt("HEALTH_CHECK_SECONDS", 600)) * time.Second,
		RestartDelay:        time.Duration(GetInt("RESTART_DELAY_SECONDS", 5)) * time.Second,
		ProgressPollEvery:   time.Duration(GetInt("PROGRESS_POLL_SECONDS", 30)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
