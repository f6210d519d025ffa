// Package config loads the collector configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/store"
)

// EnvPrefix starts every environment override: HONEYGRID_<SECTION>_<KEY>
const EnvPrefix = "HONEYGRID"

// DefaultPath is where the daemon looks for its config file
const DefaultPath = "/etc/honeygrid/honeygrid.yaml"

// Config holds the collector configuration
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	API       APIConfig       `yaml:"api"`
	Backup    BackupConfig    `yaml:"backup"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig holds the agent-facing listener settings
type ListenConfig struct {
	Address   string `yaml:"address"`
	Transport string `yaml:"transport"` // tls or quic
	CAFile    string `yaml:"ca_file"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// ProtocolConfig holds wire protocol limits
type ProtocolConfig struct {
	MaxFrameSize              int           `yaml:"max_frame_size"`
	TimestampToleranceSeconds int           `yaml:"timestamp_tolerance_seconds"`
	NonceCacheSize            int           `yaml:"nonce_cache_size"`
	MaxDecodeErrors           int           `yaml:"max_decode_errors"`
	ReadTimeout               time.Duration `yaml:"read_timeout"`
	// SendAcks false suits fire-and-forget agents only; the bundled
	// sender and honeygridctl send wait for an ack on every message.
	SendAcks bool `yaml:"send_acks"`
}

// TimestampTolerance returns the accepted clock skew
func (p ProtocolConfig) TimestampTolerance() time.Duration {
	return time.Duration(p.TimestampToleranceSeconds) * time.Second
}

// RateLimitConfig holds the per-sender token bucket parameters
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// SessionsConfig holds dispatcher limits and liveness settings
type SessionsConfig struct {
	MaxConcurrentSessions  int           `yaml:"max_concurrent_sessions"`
	MaxSessionsPerIdentity int           `yaml:"max_sessions_per_identity"`
	OfflineAfter           time.Duration `yaml:"offline_after"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`
}

// StoreConfig holds event store settings. Secret is a reference resolved
// by the secret package.
type StoreConfig struct {
	Path   string          `yaml:"path"`
	Secret string          `yaml:"secret"`
	KDF    store.KDFParams `yaml:"kdf"`
}

// NATSConfig holds the signal bus connection. An empty URL disables it.
type NATSConfig struct {
	URL             string        `yaml:"url"`
	CredentialsFile string        `yaml:"credentials_file"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
}

// APIConfig holds the operator HTTP API settings. An empty address
// disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// BackupConfig holds snapshot upload settings. An empty bucket disables it.
type BackupConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
	Schedule  string `yaml:"schedule"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:   ":8443",
			Transport: "tls",
			CAFile:    "/etc/honeygrid/certs/ca.crt",
			CertFile:  "/etc/honeygrid/certs/server.crt",
			KeyFile:   "/etc/honeygrid/certs/server.key",
		},
		Protocol: ProtocolConfig{
			MaxFrameSize:              1 << 20,
			TimestampToleranceSeconds: 60,
			NonceCacheSize:            1000,
			MaxDecodeErrors:           5,
			ReadTimeout:               90 * time.Second,
			SendAcks:                  true,
		},
		RateLimit: RateLimitConfig{
			Capacity:        20,
			RefillPerSecond: 10,
		},
		Sessions: SessionsConfig{
			MaxConcurrentSessions:  256,
			MaxSessionsPerIdentity: 2,
			OfflineAfter:           120 * time.Second,
			SweepInterval:          30 * time.Second,
			DrainTimeout:           10 * time.Second,
		},
		Store: StoreConfig{
			Path:   "/var/lib/honeygrid/honeygrid.db",
			Secret: "env:HONEYGRID_DB_SECRET",
			KDF:    store.DefaultKDFParams(),
		},
		NATS: NATSConfig{
			SubjectPrefix: "honeygrid.events",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1, // Unlimited
		},
		API: APIConfig{
			Listen: "127.0.0.1:9090",
		},
		Backup: BackupConfig{
			Region:    "us-east-1",
			KeyPrefix: "honeygrid/snapshots/",
			Schedule:  "@daily",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HONEYGRID_<SECTION>_<KEY> variables, the
// names built from the yaml keys (e.g. HONEYGRID_PROTOCOL_READ_TIMEOUT,
// HONEYGRID_STORE_KDF_TIME)
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	return applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup)
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(key)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := applyEnv(fv, name, lookup); err != nil {
				return err
			}
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, raw, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// Validate checks the configuration for values the collector cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen.Address != "", "listen.address is required")
	check(c.Listen.Transport == "tls" || c.Listen.Transport == "quic",
		"listen.transport must be tls or quic, got %q", c.Listen.Transport)
	check(c.Listen.CAFile != "" && c.Listen.CertFile != "" && c.Listen.KeyFile != "",
		"listen.ca_file, cert_file and key_file are required")

	check(c.Protocol.MaxFrameSize > 0 && c.Protocol.MaxFrameSize <= 16<<20,
		"protocol.max_frame_size must be between 1 and 16 MiB")
	check(c.Protocol.TimestampToleranceSeconds > 0, "protocol.timestamp_tolerance_seconds must be positive")
	check(c.Protocol.NonceCacheSize > 0, "protocol.nonce_cache_size must be positive")
	check(c.Protocol.MaxDecodeErrors > 0, "protocol.max_decode_errors must be positive")
	check(c.Protocol.ReadTimeout > 0, "protocol.read_timeout must be positive")

	check(c.RateLimit.Capacity > 0, "rate_limit.capacity must be positive")
	check(c.RateLimit.RefillPerSecond > 0, "rate_limit.refill_per_second must be positive")

	check(c.Sessions.MaxConcurrentSessions > 0, "sessions.max_concurrent_sessions must be positive")
	check(c.Sessions.MaxSessionsPerIdentity > 0, "sessions.max_sessions_per_identity must be positive")
	check(c.Sessions.OfflineAfter > 0, "sessions.offline_after must be positive")
	check(c.Sessions.SweepInterval > 0, "sessions.sweep_interval must be positive")
	check(c.Sessions.DrainTimeout > 0, "sessions.drain_timeout must be positive")

	check(c.Store.Path != "", "store.path is required")
	check(c.Store.Secret != "", "store.secret is required")
	check(c.Store.KDF.Time > 0 && c.Store.KDF.Memory > 0 && c.Store.KDF.Threads > 0,
		"store.kdf parameters must be positive")

	if c.Backup.Bucket != "" {
		_, err := cron.ParseStandard(c.Backup.Schedule)
		check(err == nil, "backup.schedule %q is not a valid cron expression", c.Backup.Schedule)
	}

	_, err := zerolog.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is not a valid level", c.Log.Level)
	check(c.Log.Format == "json" || c.Log.Format == "console",
		"log.format must be json or console, got %q", c.Log.Format)

	return errors.Join(errs...)
}
