package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meigma/charon/core"
)

// Config is the daemon configuration.
//
// Values are layered: built-in defaults, then the TOML file named by -config
// (or CHARON_CONFIG), then CHARON_* environment variables, then flags given
// on the command line.
type Config struct {
	Listen          string        `toml:"listen"`
	LogLevel        string        `toml:"log_level"`
	LogFormat       string        `toml:"log_format"`
	MaxJobs         int           `toml:"max_jobs"`
	MaxEntrySize    ByteSize      `toml:"max_entry_size"`
	Root            string        `toml:"root"`
	CacheDir        string        `toml:"cache_dir"`
	CacheSize       ByteSize      `toml:"cache_size"`
	StrictManifests bool          `toml:"strict_manifests"`
	Extensions      []string      `toml:"extensions"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

func defaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:7890",
		LogLevel:        "info",
		LogFormat:       "text",
		MaxEntrySize:    ByteSize(core.DefaultMaxEntrySize),
		CacheSize:       512 << 20,
		Extensions:      []string{".ucp", ".3mf", ".zip"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// loadConfig builds the configuration from args and the environment.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (Config, error) {
	flagCfg := defaultConfig()
	var extensions, origins string

	fs := flag.NewFlagSet("charond", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", getenv("CHARON_CONFIG"), "path to a TOML config file")
	fs.StringVar(&flagCfg.Listen, "listen", flagCfg.Listen, "HTTP listen address")
	fs.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&flagCfg.LogFormat, "log-format", flagCfg.LogFormat, "log format: text or json")
	fs.IntVar(&flagCfg.MaxJobs, "max-jobs", flagCfg.MaxJobs, "concurrent requests (0 = number of CPUs)")
	fs.Var(&flagCfg.MaxEntrySize, "max-entry-size", "largest entry read into memory (e.g. 256MB, 0 = unlimited)")
	fs.StringVar(&flagCfg.Root, "root", flagCfg.Root, "only serve package files below this directory (empty = any path)")
	fs.StringVar(&flagCfg.CacheDir, "cache-dir", flagCfg.CacheDir, "entry cache directory (empty disables caching)")
	fs.Var(&flagCfg.CacheSize, "cache-size", "entry cache size limit (e.g. 512MB, 0 = unlimited)")
	fs.BoolVar(&flagCfg.StrictManifests, "strict-manifests", flagCfg.StrictManifests, "fail on malformed manifests instead of using defaults")
	fs.StringVar(&extensions, "extensions", "", "comma-separated package extensions")
	fs.StringVar(&origins, "allowed-origins", "", "comma-separated websocket origins (empty = same origin)")
	fs.DurationVar(&flagCfg.ShutdownTimeout, "shutdown-timeout", flagCfg.ShutdownTimeout, "grace period for shutdown")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := defaultConfig()
	if *configPath != "" {
		md, err := toml.DecodeFile(*configPath, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", *configPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config %s: unknown keys %v", *configPath, undecoded)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = flagCfg.Listen
		case "log-level":
			cfg.LogLevel = flagCfg.LogLevel
		case "log-format":
			cfg.LogFormat = flagCfg.LogFormat
		case "max-jobs":
			cfg.MaxJobs = flagCfg.MaxJobs
		case "max-entry-size":
			cfg.MaxEntrySize = flagCfg.MaxEntrySize
		case "root":
			cfg.Root = flagCfg.Root
		case "cache-dir":
			cfg.CacheDir = flagCfg.CacheDir
		case "cache-size":
			cfg.CacheSize = flagCfg.CacheSize
		case "strict-manifests":
			cfg.StrictManifests = flagCfg.StrictManifests
		case "extensions":
			cfg.Extensions = splitList(extensions)
		case "allowed-origins":
			cfg.AllowedOrigins = splitList(origins)
		case "shutdown-timeout":
			cfg.ShutdownTimeout = flagCfg.ShutdownTimeout
		}
	})
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		if v := getenv(key); v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("CHARON_LISTEN", &cfg.Listen)
	str("CHARON_LOG_LEVEL", &cfg.LogLevel)
	str("CHARON_LOG_FORMAT", &cfg.LogFormat)
	str("CHARON_ROOT", &cfg.Root)
	str("CHARON_CACHE_DIR", &cfg.CacheDir)
	parse("CHARON_MAX_JOBS", func(v string) (err error) {
		cfg.MaxJobs, err = strconv.Atoi(v)
		return err
	})
	parse("CHARON_MAX_ENTRY_SIZE", cfg.MaxEntrySize.Set)
	parse("CHARON_CACHE_SIZE", cfg.CacheSize.Set)
	parse("CHARON_STRICT_MANIFESTS", func(v string) (err error) {
		cfg.StrictManifests, err = strconv.ParseBool(v)
		return err
	})
	parse("CHARON_EXTENSIONS", func(v string) error {
		cfg.Extensions = splitList(v)
		return nil
	})
	parse("CHARON_ALLOWED_ORIGINS", func(v string) error {
		cfg.AllowedOrigins = splitList(v)
		return nil
	})
	parse("CHARON_SHUTDOWN_TIMEOUT", func(v string) (err error) {
		cfg.ShutdownTimeout, err = time.ParseDuration(v)
		return err
	})
	return errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.MaxEntrySize < 0 {
		errs = append(errs, errors.New("max entry size must be >= 0"))
	}
	if c.CacheSize < 0 {
		errs = append(errs, errors.New("cache size must be >= 0"))
	}
	if c.MaxJobs < 0 {
		errs = append(errs, errors.New("max jobs must be >= 0"))
	}
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("no package extensions configured"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown timeout must be >= 0"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ByteSize is a size in bytes written as a plain number or with a K, M or G
// suffix (binary multiples), e.g. "512MB".
type ByteSize int64

// String implements flag.Value.
func (b *ByteSize) String() string {
	return strconv.FormatInt(int64(*b), 10)
}

// Set implements flag.Value.
func (b *ByteSize) Set(value string) error {
	n, err := parseByteSize(value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalText lets TOML strings like "256MB" decode into a ByteSize.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.Set(string(text))
}

func parseByteSize(value string) (int64, error) {
	text := strings.TrimSpace(value)
	lower := strings.ToLower(text)
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10}, {"k", 1 << 10},
		{"mb", 1 << 20}, {"m", 1 << 20},
		{"gb", 1 << 30}, {"g", 1 << 30},
		{"b", 1},
	} {
		if strings.HasSuffix(lower, unit.suffix) {
			multiplier = unit.mult
			text = text[:len(text)-len(unit.suffix)]
			break
		}
	}
	text = strings.TrimSpace(text)
	raw, err := strconv.ParseInt(text, 10, 64)
	if err != nil || raw < 0 {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	if raw > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("size %q overflows int64", value)
	}
	return raw * multiplier, nil
}
