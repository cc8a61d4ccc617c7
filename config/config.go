// Package config loads service settings from defaults, an optional TOML file
// named by CONFIG_FILE, and environment variables, in that order.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"github.com/x7ddf74479jn5/simple-kanban-planner/syncer"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendAzure  = "azure"
)

const (
	DefaultListenAddr    = ":8080"
	DefaultBoardsTable   = "boards"
	DefaultCascadeQueue  = "board-cascade"
	DefaultPendingTTL    = 10 * time.Second
	DefaultRenameWait    = 7 * time.Second
	DefaultDeduperTTL    = 24 * time.Hour
	DefaultListingTTL    = time.Minute
	DefaultPingInterval  = 5 * time.Second
	DefaultCascadePoll   = 5 * time.Second
	DefaultWriteWorkers  = 8
	DefaultWriteBuffer   = 256
	DefaultWriteTimeout  = 10 * time.Second
	DefaultHandoffWait   = 50 * time.Millisecond
	DefaultJWKSCacheTime = 15 * time.Minute
)

// ErrMissingAuth is reported by Validate when neither Auth0 nor a local
// secret is configured.
var ErrMissingAuth = errors.New("missing Auth0 config")

// Duration is a time.Duration that decodes from TOML strings such as "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds every setting of board-api and kanbanctl.
type Config struct {
	Debug      bool   `toml:"debug"`
	ListenAddr string `toml:"listen_addr"`

	// StoreBackend selects "memory" or "azure".
	StoreBackend     string   `toml:"store_backend"`
	StorageConnStr   string   `toml:"storage_connection_string"`
	RedisConnStr     string   `toml:"redis_connection_string"`
	BoardsTable      string   `toml:"boards_table"`
	CascadeQueue     string   `toml:"cascade_queue"`
	ListingCacheTTL  Duration `toml:"listing_cache_ttl"`
	PingInterval     Duration `toml:"ping_interval"`
	CascadePollDelay Duration `toml:"cascade_poll_delay"`

	Auth0Domain   string   `toml:"auth0_domain"`
	Auth0Audience string   `toml:"auth0_audience"`
	JWKSCacheTTL  Duration `toml:"jwks_cache_ttl"`
	// LocalAuthSecret enables HS256 tokens signed with this secret instead
	// of Auth0.
	LocalAuthSecret string   `toml:"local_auth_secret"`
	DeduperTTL      Duration `toml:"deduper_ttl"`

	ReconcilePolicy string   `toml:"reconcile_policy"`
	PendingTTL      Duration `toml:"pending_ttl"`
	RenameDebounce  Duration `toml:"rename_debounce"`

	WriteWorkers        int      `toml:"write_workers"`
	WriteBuffer         int      `toml:"write_buffer"`
	WriteTimeout        Duration `toml:"write_timeout"`
	WriteHandoffTimeout Duration `toml:"write_handoff_timeout"`
}

// Default returns the built in settings: an in-memory store with local
// authentication disabled.
func Default() Config {
	return Config{
		ListenAddr:          DefaultListenAddr,
		StoreBackend:        BackendMemory,
		BoardsTable:         DefaultBoardsTable,
		CascadeQueue:        DefaultCascadeQueue,
		ListingCacheTTL:     Duration(DefaultListingTTL),
		PingInterval:        Duration(DefaultPingInterval),
		CascadePollDelay:    Duration(DefaultCascadePoll),
		JWKSCacheTTL:        Duration(DefaultJWKSCacheTime),
		DeduperTTL:          Duration(DefaultDeduperTTL),
		ReconcilePolicy:     string(syncer.PolicyRevisionGuarded),
		PendingTTL:          Duration(DefaultPendingTTL),
		RenameDebounce:      Duration(DefaultRenameWait),
		WriteWorkers:        DefaultWriteWorkers,
		WriteBuffer:         DefaultWriteBuffer,
		WriteTimeout:        Duration(DefaultWriteTimeout),
		WriteHandoffTimeout: Duration(DefaultHandoffWait),
	}
}

// Load builds the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds the configuration reading variables through lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *Duration) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", name, v))
			return
		}
		*dst = Duration(d)
	}
	num := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", name, v))
			return
		}
		*dst = n
	}

	if v, ok := lookup("DEBUG"); ok {
		if dbg, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = dbg
		}
	}
	str("LISTEN_ADDR", &cfg.ListenAddr)
	if port, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}
	str("STORE_BACKEND", &cfg.StoreBackend)
	str("STORAGE_CONNECTION_STRING", &cfg.StorageConnStr)
	str("REDIS_CONNECTION_STRING", &cfg.RedisConnStr)
	str("BOARDS_TABLE", &cfg.BoardsTable)
	str("CASCADE_QUEUE", &cfg.CascadeQueue)
	dur("LISTING_CACHE_TTL", &cfg.ListingCacheTTL)
	dur("PING_INTERVAL", &cfg.PingInterval)
	dur("CASCADE_POLL_DELAY", &cfg.CascadePollDelay)
	str("AUTH0_DOMAIN", &cfg.Auth0Domain)
	str("AUTH0_AUDIENCE", &cfg.Auth0Audience)
	dur("JWKS_CACHE_TTL", &cfg.JWKSCacheTTL)
	str("LOCAL_AUTH_SECRET", &cfg.LocalAuthSecret)
	dur("DEDUPER_TTL", &cfg.DeduperTTL)
	str("RECONCILE_POLICY", &cfg.ReconcilePolicy)
	dur("PENDING_TTL", &cfg.PendingTTL)
	dur("RENAME_DEBOUNCE", &cfg.RenameDebounce)
	num("WRITE_WORKERS", &cfg.WriteWorkers)
	num("WRITE_BUFFER", &cfg.WriteBuffer)
	dur("WRITE_TIMEOUT", &cfg.WriteTimeout)
	dur("WRITE_HANDOFF_TIMEOUT", &cfg.WriteHandoffTimeout)
	return errors.Join(errs...)
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory:
	case BackendAzure:
		if c.StorageConnStr == "" || c.BoardsTable == "" || c.CascadeQueue == "" {
			errs = append(errs, errors.New("missing storage config"))
		}
		if c.RedisConnStr == "" {
			errs = append(errs, errors.New("missing redis config"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.LocalAuthSecret == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		errs = append(errs, ErrMissingAuth)
	}
	switch syncer.Policy(c.ReconcilePolicy) {
	case syncer.PolicyRevisionGuarded, syncer.PolicyLastRemoteWins:
	default:
		errs = append(errs, fmt.Errorf("unknown reconcile policy %q", c.ReconcilePolicy))
	}
	return errors.Join(errs...)
}

// ControllerOptions returns the board view settings.
func (c Config) ControllerOptions() syncer.Options {
	return syncer.Options{
		Policy:     syncer.Policy(c.ReconcilePolicy),
		PendingTTL: c.PendingTTL.D(),
	}
}

// DispatcherConfig returns the write pool settings.
func (c Config) DispatcherConfig() syncer.DispatcherConfig {
	return syncer.DispatcherConfig{
		Workers:        c.WriteWorkers,
		Buffer:         c.WriteBuffer,
		Timeout:        c.WriteTimeout.D(),
		HandoffTimeout: c.WriteHandoffTimeout.D(),
	}
}

// JWKSURL is the Auth0 key set location.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected token issuer for Auth0.
func (c Config) Issuer() string {
	return "https://" + c.Auth0Domain + "/"
}

// RedisOptions parses REDIS_CONNECTION_STRING. Both redis:// URLs and the
// Azure "host:port,password=...,ssl=true" form are accepted.
func (c Config) RedisOptions() (*redis.Options, error) {
	return ParseRedis(c.RedisConnStr)
}

// ParseRedis parses a Redis connection string.
func ParseRedis(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
