package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spacegrid/spacekeeper"
	"github.com/spacegrid/spacekeeper/consul"
	"github.com/spacegrid/spacekeeper/http"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/spacekeeper.yml configuration file after changing the structure below.

// Config represents a configuration for the binary process.
type Config struct {
	Exec string `yaml:"exec"`

	Space     SpaceConfig     `yaml:"space"`
	Data      DataConfig      `yaml:"data"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Registry  RegistryConfig  `yaml:"registry"`
	Lease     LeaseConfig     `yaml:"lease"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.Space.PartitionID = 1

	config.Data.Persistent = true

	config.Recovery.MaxRetries = spacekeeper.DefaultMaxRecoverRetries
	config.Recovery.WaitTimeout = spacekeeper.DefaultWaitForPrimaryTimeout
	config.Recovery.PollInterval = spacekeeper.DefaultWaitForPrimaryPoll

	config.Registry.Type = RegistryTypeFile

	config.Lease.Candidate = true
	config.Lease.ReconnectDelay = spacekeeper.DefaultReconnectDelay
	config.Lease.Consul.TTL = consul.DefaultTTL
	config.Lease.Consul.LockDelay = consul.DefaultLockDelay

	config.Discovery.Type = DiscoveryTypeLease

	config.HTTP.Addr = http.DefaultAddr

	config.Log.Level = "INFO"

	config.Tracing.MaxSize = DefaultTracingMaxSize
	config.Tracing.MaxCount = DefaultTracingMaxCount
	config.Tracing.Compress = DefaultTracingCompress

	return config
}

// SpaceConfig identifies the space instance guarded by this process.
type SpaceConfig struct {
	Name        string `yaml:"name"`
	PartitionID int    `yaml:"partition-id"`

	// Unique member name. Defaults to a name derived from the hostname.
	MemberName string `yaml:"member-name"`
}

// DataConfig represents the configuration for on-disk state.
type DataConfig struct {
	// Work directory holding consistency markers & the instance id.
	Dir string `yaml:"dir"`

	// If false, storage is not persisted per instance so the recovery gate
	// is skipped and a transient registry is used.
	Persistent bool `yaml:"persistent"`
}

// RecoveryConfig represents the settings of the recovery gatekeeper.
type RecoveryConfig struct {
	MaxRetries   int           `yaml:"max-retries"`
	WaitTimeout  time.Duration `yaml:"wait-timeout"`
	PollInterval time.Duration `yaml:"poll-interval"`
}

// Registry types.
const (
	RegistryTypeFile      = "file"
	RegistryTypeTransient = "transient"
	RegistryTypeConsul    = "consul"
)

// RegistryConfig represents the configuration of the last primary registry.
type RegistryConfig struct {
	// Specifies the backend: "file", "transient" or "consul".
	Type string `yaml:"type"`

	// Path to the properties file. Defaults to a file in the data directory.
	Path string `yaml:"path"`
}

// Lease types.
const (
	LeaseTypeConsul = "consul"
	LeaseTypeStatic = "static"
)

// LeaseConfig represents a generic configuration for all lease types.
type LeaseConfig struct {
	// Specifies the type of leasing to use: "consul" or "static"
	Type string `yaml:"type"`

	// The hostname of this node.
	Hostname string `yaml:"hostname"`

	// URL for other nodes to access this node's API.
	AdvertiseURL string `yaml:"advertise-url"`

	// If using a "static" lease, setting this to true makes it the primary.
	Candidate bool `yaml:"candidate"`

	// After disconnect, time before node tries to reconnect to primary or
	// becomes primary itself.
	ReconnectDelay time.Duration `yaml:"reconnect-delay"`

	// Consul lease settings.
	Consul struct {
		URL       string        `yaml:"url"`
		Key       string        `yaml:"key"`
		TTL       time.Duration `yaml:"ttl"`
		LockDelay time.Duration `yaml:"lock-delay"`
	} `yaml:"consul"`
}

// Discovery types.
const (
	DiscoveryTypeLease = "lease"
	DiscoveryTypePeers = "peers"
)

// DiscoveryConfig specifies how the gatekeeper finds another primary.
type DiscoveryConfig struct {
	// Specifies the finder: "lease" uses the leaser, "peers" polls peer APIs.
	Type string `yaml:"type"`

	// Base URLs of peer nodes when using "peers" discovery.
	Peers []string `yaml:"peers"`
}

// HTTPConfig represents the configuration for the HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig represents the configuration of the structured log.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Tracing configuration defaults.
const (
	DefaultTracingMaxSize  = 64 // MB
	DefaultTracingMaxCount = 8
	DefaultTracingCompress = true
)

// TracingConfig represents the configuration the on-disk trace log.
type TracingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// Validate returns an error if the configuration cannot be used to run a node.
func (c *Config) Validate() error {
	if c.Space.Name == "" {
		return fmt.Errorf("space name required")
	} else if c.Space.PartitionID < 1 {
		return fmt.Errorf("space partition id must be one-based")
	} else if c.Data.Dir == "" {
		return fmt.Errorf("data directory required")
	} else if c.Recovery.MaxRetries < 1 {
		return fmt.Errorf("recovery max retries must be at least 1")
	} else if c.Recovery.WaitTimeout <= 0 {
		return fmt.Errorf("recovery wait timeout must be positive")
	}

	switch c.Lease.Type {
	case LeaseTypeConsul, LeaseTypeStatic:
	default:
		return fmt.Errorf("invalid lease type, must be either 'consul' or 'static', got: '%v'", c.Lease.Type)
	}

	switch c.Registry.Type {
	case RegistryTypeFile, RegistryTypeTransient:
	case RegistryTypeConsul:
		if c.Lease.Type != LeaseTypeConsul {
			return fmt.Errorf("consul registry requires a consul lease")
		}
	default:
		return fmt.Errorf("invalid registry type, must be 'file', 'transient' or 'consul', got: '%v'", c.Registry.Type)
	}

	switch c.Discovery.Type {
	case DiscoveryTypeLease:
	case DiscoveryTypePeers:
		if len(c.Discovery.Peers) == 0 {
			return fmt.Errorf("peer discovery requires at least one peer")
		}
	default:
		return fmt.Errorf("invalid discovery type, must be 'lease' or 'peers', got: '%v'", c.Discovery.Type)
	}

	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// SpaceID returns the space identifier for the configuration.
func (c *Config) SpaceID() spacekeeper.SpaceID {
	id := spacekeeper.SpaceID{
		Name:        c.Space.Name,
		PartitionID: c.Space.PartitionID,
		MemberName:  c.Space.MemberName,
	}
	if id.MemberName == "" {
		id.MemberName = spacekeeper.DefaultMemberName(id.Name, id.PartitionID)
	}
	return id
}

// parseLogLevel returns the slog level for s.
func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level: %q", s)
	}
	return level, nil
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			return expandExpr(os.Getenv(a[1]), a[2], a[3])
		}
		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			return expandExpr(os.Getenv(a[1]), a[2], a[3])
		}
		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			return expandExpr(os.Getenv(a[1]), a[2], os.Getenv(a[3]))
		}

		return os.Getenv(v)
	})
}

func expandExpr(lhs, op, rhs string) string {
	if op == "==" {
		return strconv.FormatBool(lhs == rhs)
	}
	return strconv.FormatBool(lhs != rhs)
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// splitArgs returns the list of args before and after a "--" arg. If the double
// dash is not specified, then args0 is args and args1 is empty.
func splitArgs(args []string) (args0, args1 []string) {
	for i, v := range args {
		if v == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// ParseConfigPath parses the configuration file from configPath, if specified.
//
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func ParseConfigPath(ctx context.Context, configPath string, expandEnv bool, config *Config) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(config, buf, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		slog.Info("config file read", slog.String("path", path))
		return nil
	}

	return fmt.Errorf("config file not found")
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"spacekeeper.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "spacekeeper.yml"))
	}
	a = append(a, "/etc/spacekeeper.yml")
	return a
}
