package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends understood by Config.Store.Backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Store struct {
		Backend      string
		Origin       string
		PollInterval time.Duration
		SQLite       struct {
			Path string
		}
		Redis struct {
			Addrs     []string
			Password  string
			DB        int
			Namespace string
		}
	}
	Sync struct {
		Interval     time.Duration
		MarkerTTL    time.Duration
		CompatWrites bool
		UserAgent    string
		Source       string
	}
	Auth struct {
		JWTSecret         string
		AdminUser         string
		AdminPasswordHash string
		TokenTTLMinutes   int
	}
	Snapshot struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
		Interval  time.Duration
		Retain    int
	}
	AWS struct {
		Profile string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	_ = godotenv.Load() // optional .env; existing variables win

	v := viper.New()
	v.SetEnvPrefix("ACCOUNTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.origin", "")
	v.SetDefault("store.pollinterval", 250*time.Millisecond)
	v.SetDefault("store.sqlite.path", "data/accounts.db")
	v.SetDefault("store.redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.namespace", "accountsync")
	v.SetDefault("sync.interval", 10*time.Second)
	v.SetDefault("sync.markerttl", 100*time.Millisecond)
	v.SetDefault("sync.compatwrites", false)
	v.SetDefault("sync.useragent", "")
	v.SetDefault("sync.source", "server")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.adminuser", "admin")
	v.SetDefault("auth.adminpasswordhash", "")
	v.SetDefault("auth.tokenttlminutes", 60)
	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.keyprefix", "account-snapshots")
	v.SetDefault("snapshot.region", "us-east-1")
	v.SetDefault("snapshot.endpoint", "")
	v.SetDefault("snapshot.interval", time.Duration(0))
	v.SetDefault("snapshot.retain", 0)
	v.SetDefault("aws.profile", "")
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case BackendRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			return fmt.Errorf("store.redis.addrs is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Snapshot.Interval > 0 && strings.TrimSpace(c.Snapshot.Bucket) == "" {
		return fmt.Errorf("snapshot.bucket is required when snapshot.interval is set")
	}
	return nil
}
