package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DEALROOM_"

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	GRPC     GRPCConfig     `koanf:"grpc"`
	Postgres PostgresConfig `koanf:"postgres"`
	Auth     AuthConfig     `koanf:"auth"`
	Tokens   TokensConfig   `koanf:"tokens"`
	Redis    RedisConfig    `koanf:"redis"`
	Storage  StorageConfig  `koanf:"storage"`
	Notify   NotifyConfig   `koanf:"notify"`
	Tracing  TracingConfig  `koanf:"tracing"`
	Log      LogConfig      `koanf:"log"`
	Sweep    SweepConfig    `koanf:"sweep"`
}

type HTTPConfig struct {
	Addr           string        `koanf:"addr"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	RateBurst      int           `koanf:"rate_burst"`
	RatePerSecond  int           `koanf:"rate_per_second"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	TrustedProxies []string      `koanf:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. Bare addresses become single-host prefixes.
func (h HTTPConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %q is not an address or CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// AuthConfig describes how bearer sessions from the identity provider are verified.
type AuthConfig struct {
	SessionSecret   string `koanf:"session_secret"`
	SessionIssuer   string `koanf:"session_issuer"`
	SessionAudience string `koanf:"session_audience"`
}

type TokensConfig struct {
	Secret        string        `koanf:"secret"`
	MagicTTL      time.Duration `koanf:"magic_ttl"`
	NDATTL        time.Duration `koanf:"nda_ttl"`
	DownloadTTL   time.Duration `koanf:"download_ttl"`
	MagicPerHour  int           `koanf:"magic_per_hour"`
	PublicBaseURL string        `koanf:"public_base_url"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type StorageConfig struct {
	Driver     string      `koanf:"driver"`
	LocalDir   string      `koanf:"local_dir"`
	SigningKey string      `koanf:"signing_key"`
	BaseURL    string      `koanf:"base_url"`
	MinIO      MinIOConfig `koanf:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
}

type NotifyConfig struct {
	Driver   string `koanf:"driver"`
	AMQPURL  string `koanf:"amqp_url"`
	Exchange string `koanf:"exchange"`
}

type TracingConfig struct {
	Endpoint    string  `koanf:"endpoint"`
	Environment string  `koanf:"environment"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type SweepConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// Load reads an optional YAML file, applies defaults and DEALROOM_* environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	applyDefaults(k)
	if err := applyEnvOverrides(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Tokens.Secret) == "" {
		errs = append(errs, errors.New("tokens.secret is required"))
	}
	if strings.TrimSpace(c.Auth.SessionSecret) == "" {
		errs = append(errs, errors.New("auth.session_secret is required"))
	}
	if _, err := c.HTTP.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.SigningKey == "" {
			errs = append(errs, errors.New("storage.signing_key is required for the local driver"))
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			errs = append(errs, errors.New("storage.minio.endpoint and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Notify.Driver {
	case "log":
	case "amqp":
		if c.Notify.AMQPURL == "" {
			errs = append(errs, errors.New("notify.amqp_url is required for the amqp driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify driver %q", c.Notify.Driver))
	}
	return errors.Join(errs...)
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "http.addr", ":8080")
	setDefault(k, "http.read_timeout", 15*time.Second)
	setDefault(k, "http.max_body_bytes", int64(1<<20))
	setDefault(k, "http.rate_burst", 40)
	setDefault(k, "http.rate_per_second", 20)
	setDefault(k, "http.allowed_origins", []string{"http://localhost:3000"})
	setDefault(k, "http.trusted_proxies", []string{})

	setDefault(k, "grpc.addr", ":9090")

	setDefault(k, "auth.session_issuer", "")
	setDefault(k, "auth.session_audience", "authenticated")

	setDefault(k, "tokens.magic_ttl", time.Hour)
	setDefault(k, "tokens.nda_ttl", 7*24*time.Hour)
	setDefault(k, "tokens.download_ttl", 300*time.Second)
	setDefault(k, "tokens.magic_per_hour", 5)
	setDefault(k, "tokens.public_base_url", "http://localhost:3000")

	setDefault(k, "storage.driver", "local")
	setDefault(k, "storage.local_dir", "./data/blobs")
	setDefault(k, "storage.base_url", "http://localhost:8080")
	setDefault(k, "storage.minio.use_ssl", false)

	setDefault(k, "notify.driver", "log")
	setDefault(k, "notify.exchange", "dealroom.email")

	setDefault(k, "tracing.environment", "development")
	setDefault(k, "tracing.sample_ratio", 1.0)

	setDefault(k, "log.level", "info")
	setDefault(k, "sweep.interval", 15*time.Minute)
}

// envBindings maps DEALROOM_<NAME> variables onto config keys.
var envBindings = map[string]string{
	"HTTP_ADDR":            "http.addr",
	"HTTP_RATE_BURST":      "http.rate_burst",
	"HTTP_RATE_PER_SECOND": "http.rate_per_second",
	"HTTP_ALLOWED_ORIGINS": "http.allowed_origins",
	"HTTP_TRUSTED_PROXIES": "http.trusted_proxies",
	"GRPC_ADDR":            "grpc.addr",
	"PG_DSN":               "postgres.dsn",
	"SESSION_SECRET":       "auth.session_secret",
	"SESSION_ISSUER":       "auth.session_issuer",
	"SESSION_AUDIENCE":     "auth.session_audience",
	"TOKEN_SECRET":         "tokens.secret",
	"MAGIC_TTL":            "tokens.magic_ttl",
	"NDA_TTL":              "tokens.nda_ttl",
	"DOWNLOAD_TTL":         "tokens.download_ttl",
	"MAGIC_PER_HOUR":       "tokens.magic_per_hour",
	"PUBLIC_BASE_URL":      "tokens.public_base_url",
	"REDIS_ADDR":           "redis.addr",
	"REDIS_PASSWORD":       "redis.password",
	"STORAGE_DRIVER":       "storage.driver",
	"STORAGE_LOCAL_DIR":    "storage.local_dir",
	"STORAGE_SIGNING_KEY":  "storage.signing_key",
	"STORAGE_BASE_URL":     "storage.base_url",
	"MINIO_ENDPOINT":       "storage.minio.endpoint",
	"MINIO_ACCESS_KEY":     "storage.minio.access_key",
	"MINIO_SECRET_KEY":     "storage.minio.secret_key",
	"MINIO_BUCKET":         "storage.minio.bucket",
	"MINIO_USE_SSL":        "storage.minio.use_ssl",
	"NOTIFY_DRIVER":        "notify.driver",
	"AMQP_URL":             "notify.amqp_url",
	"NOTIFY_EXCHANGE":      "notify.exchange",
	"OTLP_ENDPOINT":        "tracing.endpoint",
	"ENVIRONMENT":          "tracing.environment",
	"LOG_LEVEL":            "log.level",
	"SWEEP_INTERVAL":       "sweep.interval",
}

func applyEnvOverrides(k *koanf.Koanf) error {
	for name, key := range envBindings {
		raw, ok := os.LookupEnv(envPrefix + name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		value, err := coerce(k.Get(key), raw)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		if err := k.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// coerce parses raw into the type of the existing default so unmarshalling stays typed.
func coerce(current any, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch current.(type) {
	case time.Duration:
		return time.ParseDuration(raw)
	case int:
		return strconv.Atoi(raw)
	case int64:
		return strconv.ParseInt(raw, 10, 64)
	case float64:
		return strconv.ParseFloat(raw, 64)
	case bool:
		return strconv.ParseBool(raw)
	case []string:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		_ = k.Set(key, value)
	}
}
