// Package config holds fibfs runtime configuration.
//
// Values come from, in increasing priority: Default, .env files and
// FIBFS_* environment variables (Load), and command line flags applied by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidOption is returned for a malformed mount option value.
var ErrInvalidOption = errors.New("config: invalid mount option")

// DefaultAttrTTL is how long the kernel may cache attributes and entries.
const DefaultAttrTTL = time.Second

// Environment variable names understood by Load.
const (
	EnvMountpoint  = "FIBFS_MOUNTPOINT"
	EnvOptions     = "FIBFS_OPTIONS"
	EnvMaxInodes   = "FIBFS_MAX_INODES"
	EnvRecordBytes = "FIBFS_RECORD_BYTES"
	EnvUID         = "FIBFS_UID"
	EnvGID         = "FIBFS_GID"
	EnvDiagAddr    = "FIBFS_DIAG_ADDR"
	EnvDebug       = "FIBFS_DEBUG"
	EnvFuseDebug   = "FIBFS_FUSE_DEBUG"
	EnvAllowOther  = "FIBFS_ALLOW_OTHER"
	EnvLogFormat   = "FIBFS_LOG_FORMAT"
)

// Config is the full set of knobs for one mount.
type Config struct {
	Mountpoint string

	// KmsgBytes is accepted and reported back but has no effect.
	// KmsgSet records that it was given, so an explicit zero is shown.
	KmsgBytes uint64
	KmsgSet   bool

	// ExtraOptions are -o options passed through to the kernel mount.
	ExtraOptions []string

	// MaxInodes caps the number of live nodes, root included. Zero means
	// no limit.
	MaxInodes int64

	// RecordBytes is the size of the private buffer allocated with each
	// file record.
	RecordBytes int

	UID uint32
	GID uint32

	AllowOther bool
	Debug      bool

	// FuseDebug dumps the raw FUSE protocol to stdout.
	FuseDebug bool

	AttrTimeout  time.Duration
	EntryTimeout time.Duration

	// DiagAddr enables the diagnostics HTTP server when non-empty.
	DiagAddr string

	// LogFormat is one of "text", "json" or "tint".
	LogFormat string
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		AttrTimeout:  DefaultAttrTTL,
		EntryTimeout: DefaultAttrTTL,
		LogFormat:    "tint",
	}
}

// Load starts from Default and applies the given .env files and then the
// process environment. Missing files are skipped.
func Load(files ...string) (Config, error) {
	cfg := Default()

	env := make(map[string]string)
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("stat env file %s: %w", f, err)
		}
		m, err := godotenv.Read(f)
		if err != nil {
			return cfg, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range m {
			env[k] = v
		}
	}
	for _, k := range []string{
		EnvMountpoint, EnvOptions, EnvMaxInodes, EnvRecordBytes, EnvUID,
		EnvGID, EnvDiagAddr, EnvDebug, EnvFuseDebug, EnvAllowOther,
		EnvLogFormat,
	} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}

	if err := cfg.apply(env); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) apply(env map[string]string) error {
	if v, ok := env[EnvMountpoint]; ok {
		c.Mountpoint = v
	}
	if v, ok := env[EnvOptions]; ok {
		if err := c.ParseMountOptions(v); err != nil {
			return err
		}
	}
	if v, ok := env[EnvMaxInodes]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%s=%q: must be a non-negative integer", EnvMaxInodes, v)
		}
		c.MaxInodes = n
	}
	if v, ok := env[EnvRecordBytes]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s=%q: must be a non-negative integer", EnvRecordBytes, v)
		}
		c.RecordBytes = n
	}
	if v, ok := env[EnvUID]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvUID, v, err)
		}
		c.UID = uint32(n)
	}
	if v, ok := env[EnvGID]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvGID, v, err)
		}
		c.GID = uint32(n)
	}
	if v, ok := env[EnvDiagAddr]; ok {
		c.DiagAddr = v
	}
	if v, ok := env[EnvDebug]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvDebug, v, err)
		}
		c.Debug = b
	}
	if v, ok := env[EnvFuseDebug]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvFuseDebug, v, err)
		}
		c.FuseDebug = b
	}
	if v, ok := env[EnvAllowOther]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvAllowOther, v, err)
		}
		c.AllowOther = b
	}
	if v, ok := env[EnvLogFormat]; ok {
		c.LogFormat = v
	}
	return nil
}

// ParseMountOptions parses a comma separated -o string. kmsg_bytes=<uint>
// is recognised; anything else is kept for the kernel mount once, however
// often it is given.
func (c *Config) ParseMountOptions(opts string) error {
	for _, opt := range strings.Split(opts, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, val, hasVal := strings.Cut(opt, "=")
		if key != "kmsg_bytes" {
			if !slices.Contains(c.ExtraOptions, opt) {
				c.ExtraOptions = append(c.ExtraOptions, opt)
			}
			continue
		}
		if !hasVal {
			return fmt.Errorf("%w: kmsg_bytes needs a value", ErrInvalidOption)
		}
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: kmsg_bytes=%q", ErrInvalidOption, val)
		}
		c.KmsgBytes = n
		c.KmsgSet = true
	}
	return nil
}

// MountOptions renders the options that would be shown in the mount table.
func (c *Config) MountOptions() string {
	parts := make([]string, 0, 1+len(c.ExtraOptions))
	if c.KmsgSet {
		parts = append(parts, "kmsg_bytes="+strconv.FormatUint(c.KmsgBytes, 10))
	}
	parts = append(parts, c.ExtraOptions...)
	return strings.Join(parts, ",")
}

// Validate checks the configuration needed for a kernel mount.
func (c *Config) Validate() error {
	if c.Mountpoint == "" {
		return errors.New("config: mountpoint is required")
	}
	switch c.LogFormat {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}
