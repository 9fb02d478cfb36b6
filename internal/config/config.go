package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Pipeline platforms supported by the API.
const (
	PlatformTekton = "tekton"
	PlatformDocker = "docker"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName       string
	AppEnv        string
	AppPort       string
	DatabaseURL   string
	RedisURL      string
	NATSURL       string
	EventsChannel string
	JWTSecret     string
	AuthSecret    string

	GitServerEndpoint      string
	DockerRegistryEndpoint string
	WebhookEndpoint        string
	Namespace              string
	TemplateOwner          string
	MainRef                string
	TesterImagePrefix      string

	PipelinePlatform string
	PipelineName     string
	KubeAPIServer    string
	KubeToken        string
	KubeInsecure     bool
	DockerHost       string

	WatchInterval        time.Duration
	WatchTimeout         time.Duration
	WatchMaxPollFailures int
	StatusPollInterval   time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	v := newViper()

	v.SetDefault("app.name", "StageRun API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events_channel", "stagerun:progress")
	v.SetDefault("namespace", "stackclass")
	v.SetDefault("template_owner", "stackclass-templates")
	v.SetDefault("main_ref", "refs/heads/main")
	v.SetDefault("tester_image_prefix", "ghcr.io/stackclass")
	v.SetDefault("pipeline.platform", PlatformTekton)
	v.SetDefault("pipeline.name", "course-test-pipeline")
	v.SetDefault("kube.insecure", false)
	v.SetDefault("watch.interval", "10s")
	v.SetDefault("watch.timeout", "1h")
	v.SetDefault("watch.max_poll_failures", 6)
	v.SetDefault("status_poll_interval", "5s")

	watchInterval, err := duration(v, "watch.interval")
	if err != nil {
		return Config{}, err
	}
	watchTimeout, err := duration(v, "watch.timeout")
	if err != nil {
		return Config{}, err
	}
	statusPoll, err := duration(v, "status_poll_interval")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		EventsChannel:          v.GetString("events_channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		AuthSecret:             v.GetString("auth.secret"),
		GitServerEndpoint:      v.GetString("git_server_endpoint"),
		DockerRegistryEndpoint: v.GetString("docker_registry_endpoint"),
		WebhookEndpoint:        v.GetString("webhook_endpoint"),
		Namespace:              v.GetString("namespace"),
		TemplateOwner:          v.GetString("template_owner"),
		MainRef:                v.GetString("main_ref"),
		TesterImagePrefix:      v.GetString("tester_image_prefix"),
		PipelinePlatform:       strings.ToLower(v.GetString("pipeline.platform")),
		PipelineName:           v.GetString("pipeline.name"),
		KubeAPIServer:          v.GetString("kube.api_server"),
		KubeToken:              v.GetString("kube.token"),
		KubeInsecure:           v.GetBool("kube.insecure"),
		DockerHost:             v.GetString("docker_host"),
		WatchInterval:          watchInterval,
		WatchTimeout:           watchTimeout,
		WatchMaxPollFailures:   v.GetInt("watch.max_poll_failures"),
		StatusPollInterval:     statusPoll,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks required values and normalises bounds.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth secret must be provided")
	}

	// Learner repositories live under the namespace; pushes from the template owner are skipped.
	if strings.EqualFold(strings.TrimSpace(c.TemplateOwner), strings.TrimSpace(c.Namespace)) {
		return fmt.Errorf("template owner %q must differ from namespace %q", c.TemplateOwner, c.Namespace)
	}

	switch c.PipelinePlatform {
	case PlatformTekton, PlatformDocker:
	default:
		return fmt.Errorf("unsupported pipeline platform %q", c.PipelinePlatform)
	}

	if c.WatchInterval <= 0 {
		c.WatchInterval = 10 * time.Second
	}
	if c.WatchTimeout < 0 {
		return fmt.Errorf("watch timeout must not be negative")
	}
	if c.WatchMaxPollFailures <= 0 {
		c.WatchMaxPollFailures = 6
	}
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = 5 * time.Second
	}

	return nil
}

// AuthSecret returns the job signing secret from the same sources as Load, without
// requiring the rest of the server configuration.
func AuthSecret() (string, error) {
	secret := strings.TrimSpace(newViper().GetString("auth.secret"))
	if secret == "" {
		return "", fmt.Errorf("auth secret must be provided")
	}
	return secret, nil
}

func newViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("STAGERUN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" || raw == "0" {
		return 0, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return value, nil
}
