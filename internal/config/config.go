package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	LogLevel      string `mapstructure:"log_level"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	// Store selects the persistence backend: "memory" or "postgres".
	Store string `mapstructure:"store"`
	DB    struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		// AutoMigrate applies pending migrations when serve opens the store.
		AutoMigrate bool `mapstructure:"auto_migrate"`
	} `mapstructure:"db"`

	// Redis is optional; when Addr is set admission counters are shared through it.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Engine struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
		Role    string        `mapstructure:"role"`
	} `mapstructure:"engine"`

	SMS struct {
		GatewayURL     string        `mapstructure:"gateway_url"`
		APIKey         string        `mapstructure:"api_key"`
		Sender         string        `mapstructure:"sender"`
		DefaultMessage string        `mapstructure:"default_message"`
		Timeout        time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sms"`

	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		// OwnerClaim names the token claim that identifies the operator.
		OwnerClaim string `mapstructure:"owner_claim"`
	} `mapstructure:"auth"`

	Credentials struct {
		TTL                 time.Duration `mapstructure:"ttl"`
		InternalApplication string        `mapstructure:"internal_application"`
		EngineApplication   string        `mapstructure:"engine_application"`
		AutoRenewInbound    bool          `mapstructure:"auto_renew_inbound"`
	} `mapstructure:"credentials"`

	Admission struct {
		MaxItems      int           `mapstructure:"max_items"`
		MaxConcurrent int           `mapstructure:"max_concurrent"`
		RateLimit     int           `mapstructure:"rate_limit"`
		RateWindow    time.Duration `mapstructure:"rate_window"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"admission"`

	Dispatch struct {
		OwnerCooldown   time.Duration `mapstructure:"owner_cooldown"`
		OwnerConcurrent int           `mapstructure:"owner_concurrent"`
		MaxConcurrent   int           `mapstructure:"max_concurrent"`
		DailyVolume     int           `mapstructure:"daily_volume"`
		ChunkSize       int           `mapstructure:"chunk_size"`
		ChunkPause      time.Duration `mapstructure:"chunk_pause"`
		ItemRetries     int           `mapstructure:"item_retries"`
		RetryDelay      time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"dispatch"`

	Process struct {
		ActionCooldown time.Duration `mapstructure:"action_cooldown"`
	} `mapstructure:"process"`

	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`

	Telemetry struct {
		// Exporter is one of none, stdout or otlphttp.
		Exporter    string `mapstructure:"exporter"`
		Endpoint    string `mapstructure:"endpoint"`
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"telemetry"`
}

// LoadConfig loads the configuration from a file and the environment. An empty
// path searches ./config.yaml and ./config/config.yaml; a missing file is not an
// error, defaults and ORCH_* environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Engine.URL = strings.TrimRight(strings.TrimSpace(config.Engine.URL), "/")

	return &config, nil
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("store", "memory")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.auto_migrate", true)
	// empty defaults so AutomaticEnv can populate these during Unmarshal
	for _, key := range []string{
		"dev_mode_bypass", "db.user", "db.password", "db.name",
		"redis.addr", "redis.password", "redis.db",
		"sms.gateway_url", "sms.api_key", "sms.sender",
		"auth.okta_domain", "auth.client_id", "auth.swagger_client_id",
		"tls.enable", "tls.cert_file", "tls.key_file", "tls.hostnames",
		"telemetry.endpoint",
	} {
		v.SetDefault(key, nil)
	}

	v.SetDefault("redis.prefix", "orch")

	v.SetDefault("engine.url", "http://localhost:9000")
	v.SetDefault("engine.timeout", 20*time.Second)
	v.SetDefault("engine.role", "operator")

	v.SetDefault("sms.timeout", 10*time.Second)
	v.SetDefault("sms.default_message", "You have a pending transfer update.")

	v.SetDefault("auth.owner_claim", "sub")

	v.SetDefault("credentials.ttl", 90*24*time.Hour)
	v.SetDefault("credentials.internal_application", "control-plane")
	v.SetDefault("credentials.engine_application", "transfer-engine")
	v.SetDefault("credentials.auto_renew_inbound", true)

	v.SetDefault("admission.max_items", 5000)
	v.SetDefault("admission.max_concurrent", 5)
	v.SetDefault("admission.rate_limit", 10)
	v.SetDefault("admission.rate_window", time.Minute)
	v.SetDefault("admission.sweep_interval", time.Minute)

	v.SetDefault("dispatch.owner_cooldown", time.Minute)
	v.SetDefault("dispatch.owner_concurrent", 1)
	v.SetDefault("dispatch.max_concurrent", 10)
	v.SetDefault("dispatch.daily_volume", 50000)
	v.SetDefault("dispatch.chunk_size", 100)
	v.SetDefault("dispatch.chunk_pause", 50*time.Millisecond)
	v.SetDefault("dispatch.item_retries", 2)
	v.SetDefault("dispatch.retry_delay", 200*time.Millisecond)

	v.SetDefault("process.action_cooldown", 10*time.Second)

	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.service_name", "transfer-orchestrator")
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}
