package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/spacegrid/spacekeeper"
	"github.com/spacegrid/spacekeeper/consul"
	"github.com/spacegrid/spacekeeper/fly"
	"github.com/spacegrid/spacekeeper/http"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultPropertiesFilename is the name of the last primary properties file
// within the data directory.
const DefaultPropertiesFilename = "spacekeeper.properties"

// RunCommand represents a command to run a node & its election loop.
type RunCommand struct {
	cmd    *exec.Cmd  // subcommand
	execCh chan error // subcommand error channel

	Config Config

	Marker     spacekeeper.ConsistencyMarker
	Registry   spacekeeper.Registry
	Leaser     spacekeeper.Leaser
	Finder     spacekeeper.PrimaryFinder
	Gatekeeper *spacekeeper.Gatekeeper
	Node       *spacekeeper.Node
	Store      *spacekeeper.Store
	HTTPServer *http.Server

	// Cluster instance id, persisted in the data directory.
	InstanceID string

	// Used for generating the advertise URL for testing.
	AdvertiseURLFn func() string
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand() *RunCommand {
	return &RunCommand{
		execCh: make(chan error),
		Config: NewConfig(),
	}
}

func (c *RunCommand) Cmd() *exec.Cmd     { return c.cmd }
func (c *RunCommand) ExecCh() chan error { return c.execCh }

// ParseFlags parses the command line flags & config file.
func (c *RunCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	// Split the args list if there is a double dash arg included. Arguments
	// after the double dash are used as the "exec" subprocess config option.
	args0, args1 := splitArgs(args)

	fs := flag.NewFlagSet("spacekeeper-run", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("tracing", false, "enable trace logging to stdout")
	fs.Usage = func() {
		fmt.Println(`
The run command starts the election loop for a single space instance. Before
every attempt to become primary, the storage consistency marker and the last
primary registry are checked so that an instance with stale storage never
becomes primary.

All options are specified in the spacekeeper.yml config file which is searched
for in the present working directory, the current user's home directory, and
then finally at /etc/spacekeeper.yml.

Usage:

	spacekeeper run [arguments] [-- CMD [ARG...]]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args0); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments, specify a '--' to specify an exec command")
	}

	if err := ParseConfigPath(ctx, *configPath, !*noExpandEnv, &c.Config); err != nil {
		return err
	}

	// Override "exec" field if specified on the CLI.
	if args1 != nil {
		c.Config.Exec = strings.Join(args1, " ")
	}

	// Enable trace logging, if specified. The config settings specify a rolling
	// on-disk log whereas the CLI flag specifies output to STDOUT.
	var tw io.Writer
	if c.Config.Tracing.Path != "" {
		slog.Info("trace log enabled", slog.String("path", c.Config.Tracing.Path))
		tw = &lumberjack.Logger{
			Filename:   c.Config.Tracing.Path,
			MaxSize:    c.Config.Tracing.MaxSize,
			MaxBackups: c.Config.Tracing.MaxCount,
			Compress:   c.Config.Tracing.Compress,
		}
	}
	if *tracing {
		if tw == nil {
			tw = os.Stdout
		} else {
			tw = io.MultiWriter(os.Stdout, tw)
		}
	}
	if tw != nil {
		spacekeeper.TraceLog.SetOutput(tw)
	}

	return nil
}

// Validate validates the application's configuration.
func (c *RunCommand) Validate(ctx context.Context) (err error) {
	return c.Config.Validate()
}

func (c *RunCommand) Close() (err error) {
	if c.HTTPServer != nil {
		if e := c.HTTPServer.Close(); err == nil {
			err = e
		}
	}

	if c.Node != nil {
		if e := c.Node.Close(); e != nil && !spacekeeper.IsFatal(e) && err == nil {
			err = e
		}
	}

	if c.Leaser != nil {
		if e := c.Leaser.Close(); err == nil {
			err = e
		}
	}

	return err
}

// Status returns the status of the running node.
func (c *RunCommand) Status() spacekeeper.NodeStatus {
	return c.Node.Status()
}

func (c *RunCommand) Run(ctx context.Context) (err error) {
	slog.Info(VersionString())

	if err := c.Validate(ctx); err != nil {
		return err
	}
	level, _ := parseLogLevel(c.Config.Log.Level)
	spacekeeper.LogLevel.Set(level)

	space := c.Config.SpaceID()
	slog.Info("starting space instance", slog.String("space", space.String()), slog.Int("partition", space.PartitionID))

	// Start listening on HTTP server first so we can determine the URL.
	if err := c.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("cannot init http server: %w", err)
	} else if err := c.initMarker(ctx, space); err != nil {
		return fmt.Errorf("cannot init consistency marker: %w", err)
	} else if c.InstanceID, err = spacekeeper.ReadOrCreateInstanceID(spacekeeper.DefaultOS, c.Config.Data.Dir); err != nil {
		return fmt.Errorf("cannot init instance id: %w", err)
	}

	// Instantiate leaser.
	switch v := c.Config.Lease.Type; v {
	case LeaseTypeConsul:
		slog.Info("using consul to determine primary")
		if err := c.initConsul(ctx, space); err != nil {
			return fmt.Errorf("cannot init consul: %w", err)
		}
	case LeaseTypeStatic:
		slog.Info("using static primary",
			slog.Bool("primary", c.Config.Lease.Candidate),
			slog.String("hostname", c.Config.Lease.Hostname),
			slog.String("advertise-url", c.Config.Lease.AdvertiseURL))
		c.Leaser = spacekeeper.NewStaticLeaser(c.Config.Lease.Candidate, c.Config.Lease.Hostname, c.Config.Lease.AdvertiseURL)
	default:
		return fmt.Errorf("invalid lease type: %q", v)
	}

	if err := c.initRegistry(ctx, space); err != nil {
		return fmt.Errorf("cannot init registry: %w", err)
	}
	c.initFinder(ctx)

	if err := c.openNode(ctx, space); err != nil {
		return fmt.Errorf("cannot open node: %w", err)
	}

	c.HTTPServer.Serve()
	slog.Info("http server listening", slog.String("url", c.HTTPServer.URL()))

	// Wait until the node either becomes primary or connects to the primary.
	slog.Info("waiting to join cluster")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Node.Done():
		if err := c.Node.Err(); err != nil {
			return err
		}
		return fmt.Errorf("node stopped before joining cluster")
	case <-c.Node.ReadyCh():
		slog.Info("joined cluster, ready", slog.String("mode", c.Node.Mode().String()))
	}

	// Execute subcommand, if specified in config.
	if err := c.execCmd(ctx); err != nil {
		return fmt.Errorf("cannot exec: %w", err)
	}

	return nil
}

func (c *RunCommand) initMarker(ctx context.Context, space spacekeeper.SpaceID) error {
	if !c.Config.Data.Persistent {
		slog.Info("storage is not persisted per instance, skipping consistency marker")
		c.Marker = spacekeeper.NopMarker{}
		return nil
	}

	marker, err := spacekeeper.OpenFileMarker(c.Config.Data.Dir, space.Name, space.MemberName)
	if err != nil {
		return err
	}
	slog.Info("consistency marker opened", slog.String("path", marker.Path()), slog.String("state", string(marker.State())))
	c.Marker = marker
	return nil
}

func (c *RunCommand) initConsul(ctx context.Context, space spacekeeper.SpaceID) (err error) {
	// Use hostname from OS, if not specified.
	hostname := c.Config.Lease.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return err
		}
	}

	// Determine the advertise URL for the API.
	// Default to use the hostname and HTTP port. Also allow injection for tests.
	advertiseURL := c.Config.Lease.AdvertiseURL
	if c.AdvertiseURLFn != nil {
		advertiseURL = c.AdvertiseURLFn()
	}
	if advertiseURL == "" && hostname != "" {
		advertiseURL = fmt.Sprintf("http://%s:%d", hostname, c.HTTPServer.Port())
	}

	leaser := consul.NewLeaser(c.Config.Lease.Consul.URL, c.Config.Lease.Consul.Key, hostname, advertiseURL, c.InstanceID, space)
	if v := c.Config.Lease.Consul.TTL; v > 0 {
		leaser.TTL = v
	}
	if v := c.Config.Lease.Consul.LockDelay; v > 0 {
		leaser.LockDelay = v
	}
	if err := leaser.Open(); err != nil {
		return fmt.Errorf("cannot connect to consul: %w", err)
	}
	slog.Info("initializing consul",
		slog.String("key", c.Config.Lease.Consul.Key),
		slog.String("url", c.Config.Lease.Consul.URL),
		slog.String("hostname", hostname),
		slog.String("advertise-url", advertiseURL),
		slog.String("instance-id", c.InstanceID))

	c.Leaser = leaser
	return nil
}

func (c *RunCommand) initRegistry(ctx context.Context, space spacekeeper.SpaceID) error {
	// Nothing to protect if storage does not survive the instance.
	if !c.Config.Data.Persistent {
		c.Registry = spacekeeper.NewTransientRegistry(space)
		return nil
	}

	switch v := c.Config.Registry.Type; v {
	case RegistryTypeFile:
		path := c.Config.Registry.Path
		if path == "" {
			path = filepath.Join(c.Config.Data.Dir, DefaultPropertiesFilename)
		}
		r := spacekeeper.NewPropertiesRegistry(path, space)
		if err := r.Open(); err != nil {
			return err
		}
		c.Registry = r

	case RegistryTypeTransient:
		c.Registry = spacekeeper.NewTransientRegistry(space)

	case RegistryTypeConsul:
		leaser, ok := c.Leaser.(*consul.Leaser)
		if !ok {
			return fmt.Errorf("consul registry requires a consul lease")
		}
		c.Registry = leaser.Registry()

	default:
		return fmt.Errorf("invalid registry type: %q", v)
	}

	slog.Info("last primary registry initialized", slog.String("type", c.Registry.Type()))
	return nil
}

func (c *RunCommand) initFinder(ctx context.Context) {
	switch c.Config.Discovery.Type {
	case DiscoveryTypePeers:
		c.Finder = http.NewPeerFinder(http.NewClient(), c.Config.Discovery.Peers)
	default:
		c.Finder = c.Leaser
	}
}

func (c *RunCommand) openNode(ctx context.Context, space spacekeeper.SpaceID) error {
	gate := spacekeeper.NewGatekeeper(space, c.Marker, c.Registry, c.Finder)
	gate.MaxRecoverRetries = c.Config.Recovery.MaxRetries
	gate.WaitTimeout = c.Config.Recovery.WaitTimeout
	gate.PollInterval = c.Config.Recovery.PollInterval
	c.Gatekeeper = gate

	node := spacekeeper.NewNode(gate)
	node.Leaser = c.Leaser
	node.ReconnectDelay = c.Config.Lease.ReconnectDelay
	node.Apply = c.Store.Apply
	node.Recoverer = http.NewRecoverer(http.NewClient(), c.Store)
	if fly.Available() {
		slog.Info("fly.io environment detected, reporting role to machine metadata")
		node.AddModeListener(fly.NewEnvironment())
	}
	c.Node = node

	if err := node.Open(); err != nil {
		return err
	}

	// Register expvar variable once so it doesn't panic during tests.
	expvarOnce.Do(func() {
		expvar.Publish("node", expvar.Func(func() any { return c.Status() }))
	})
	return nil
}

func (c *RunCommand) initHTTPServer(ctx context.Context) error {
	c.Store = spacekeeper.NewStore()

	server := http.NewServer(c, c.Config.HTTP.Addr)
	server.Snapshotter = c.Store
	if err := server.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	c.HTTPServer = server
	return nil
}

func (c *RunCommand) execCmd(ctx context.Context) error {
	// Exit if no subcommand specified.
	if c.Config.Exec == "" {
		return nil
	}

	// Execute subcommand process.
	args, err := shellwords.Parse(c.Config.Exec)
	if err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	} else if len(args) == 0 {
		return fmt.Errorf("empty exec command")
	}

	slog.Info("starting subprocess", slog.String("cmd", args[0]), slog.Any("args", args[1:]))

	c.cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	c.cmd.Env = append(os.Environ(),
		"SPACEKEEPER_MODE="+c.Node.Mode().String(),
		"SPACEKEEPER_INSTANCE_ID="+c.InstanceID,
	)
	c.cmd.Stdout = os.Stdout
	c.cmd.Stderr = os.Stderr
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("cannot start exec command: %w", err)
	}
	go func() { c.execCh <- c.cmd.Wait() }()

	return nil
}

var expvarOnce sync.Once
