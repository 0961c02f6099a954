// Package config implements the flag+toml+env configuration layer
// shared by the tracker and storage daemons, grounded on
// drainer/config.go's NewConfig/Parse/adjustConfig/validate pipeline in
// the teacher: flags carry the defaults and usage text, a -config file
// overrides them, a final flag pass lets the command line win, and an
// env-var pass (prefixed BINLOG_SERVER in the teacher, FASTDFS here)
// runs last.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/happyfish100/fastdfs-sub015/pkg/netutil"
)

// StoreLookupPolicy selects a group for a store request.
type StoreLookupPolicy string

// Group-selection policies.
const (
	StoreLookupRoundRobin  StoreLookupPolicy = "round-robin"
	StoreLookupSpecGroup   StoreLookupPolicy = "spec-group"
	StoreLookupLoadBalance StoreLookupPolicy = "load-balance"
)

// StoreServerPolicy selects a member within a chosen group.
type StoreServerPolicy string

// Within-group policies.
const (
	StoreServerRoundRobin StoreServerPolicy = "round-robin"
	StoreServerFirstAlive StoreServerPolicy = "first-alive"
	StoreServerPriority   StoreServerPolicy = "priority"
)

// StorePathPolicy selects a store path on a chosen member.
type StorePathPolicy string

// Within-node path policies.
const (
	StorePathRoundRobin    StorePathPolicy = "round-robin"
	StorePathMostFreeSpace StorePathPolicy = "most-free-space"
)

const (
	defaultDataDir             = "data.fastdfs"
	defaultConnectTimeout      = 5 * time.Second
	defaultNetworkTimeout      = 30 * time.Second
	defaultMaxConnections      = 2000
	defaultReservedSpaceMB     = 1024
	defaultCheckActiveInterval = 30 * time.Second
	defaultIdleTimeout         = 2 * time.Minute
	defaultRetryCount          = 3
)

// Common holds the options shared verbatim by every role: listener,
// timeouts, tracker membership and the ambient logging/metrics stack.
type Common struct {
	*flag.FlagSet `json:"-" toml:"-"`

	BindAddr       string        `toml:"bind_addr" json:"bind_addr"`
	Port           int           `toml:"port" json:"port"`
	DataDir        string        `toml:"data_dir" json:"data_dir"`
	TrackerServers []string      `toml:"tracker_server" json:"tracker_server"`
	ConnectTimeout time.Duration `toml:"connect_timeout" json:"connect_timeout"`
	NetworkTimeout time.Duration `toml:"network_timeout" json:"network_timeout"`
	MaxConnections int           `toml:"max_connections" json:"max_connections"`
	RetryCount     int           `toml:"retry_count" json:"retry_count"`

	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFile   string `toml:"log_file" json:"log_file"`
	LogRotate string `toml:"log_rotate" json:"log_rotate"`

	EtcdURLs string `toml:"etcd_urls" json:"etcd_urls"`

	UseConnectionPool        bool          `toml:"use_connection_pool" json:"use_connection_pool"`
	ConnectionPoolMaxIdle    int           `toml:"connection_pool_max_idle" json:"connection_pool_max_idle"`
	ConnectionPoolIdleTime   time.Duration `toml:"connection_pool_max_idle_time" json:"connection_pool_max_idle_time"`

	configFile   string
	printVersion bool

	// postParse, when set by a role-specific constructor, runs after the
	// shared flag/file/env pipeline to validate and stage fields the
	// shared code doesn't know about (e.g. policy enums backed by a
	// string flag).
	postParse func() error

	// repeatables lists every slice-valued flag registered via
	// varStrings, so a second flag pass (triggered by -config) can reset
	// them first instead of appending on top of the first pass's values.
	repeatables []*[]string
}

func invalidPolicy(option, value string) error {
	return errors.Errorf("config: invalid %s %q", option, value)
}

func newCommon(progName string) Common {
	c := Common{}
	c.FlagSet = flag.NewFlagSet(progName, flag.ContinueOnError)
	fs := c.FlagSet
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", progName)
		fs.PrintDefaults()
	}

	fs.StringVar(&c.BindAddr, "bind_addr", "0.0.0.0", "address to listen on")
	fs.IntVar(&c.Port, "port", 0, "port to listen on")
	fs.StringVar(&c.DataDir, "data_dir", defaultDataDir, "base directory for binlog/mark/metadata state")
	c.varStrings(&c.TrackerServers, "tracker_server", "tracker address host:port, repeatable")
	fs.DurationVar(&c.ConnectTimeout, "connect_timeout", defaultConnectTimeout, "per-operation dial timeout")
	fs.DurationVar(&c.NetworkTimeout, "network_timeout", defaultNetworkTimeout, "per-operation I/O timeout")
	fs.IntVar(&c.MaxConnections, "max_connections", defaultMaxConnections, "server accept cap (parsed; the server does not enforce it)")
	fs.IntVar(&c.RetryCount, "retry_count", defaultRetryCount, "client retry attempts for retryable errors")
	fs.StringVar(&c.LogLevel, "L", "info", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&c.LogFile, "log_file", "", "log file path, empty logs to stderr")
	fs.StringVar(&c.LogRotate, "log_rotate", "day", "log file rotate type, hour/day")
	fs.StringVar(&c.EtcdURLs, "etcd_urls", "", "comma separated etcd endpoints (parsed; not used for tracker-peer discovery)")
	fs.BoolVar(&c.UseConnectionPool, "use_connection_pool", true, "reuse pooled connections to peers (parsed; connections are always pooled)")
	fs.IntVar(&c.ConnectionPoolMaxIdle, "connection_pool_max_idle", 32, "max idle connections kept per peer")
	fs.DurationVar(&c.ConnectionPoolIdleTime, "connection_pool_max_idle_time", defaultIdleTimeout, "idle connection expiry")
	fs.StringVar(&c.configFile, "config", "", "path to the configuration file")
	fs.BoolVar(&c.printVersion, "V", false, "print version info")

	return c
}

// stringsValue implements flag.Value to collect a repeatable flag into
// a slice, the way the teacher's pkg/flags.URLsValue collects peer URLs.
type stringsValue struct{ dst *[]string }

func newStringsValue(dst *[]string) *stringsValue { return &stringsValue{dst: dst} }

// varStrings registers a repeatable string flag and tracks its
// destination slice in c.repeatables so parse can reset it before a
// second flag pass.
func (c *Common) varStrings(dst *[]string, name, usage string) {
	c.FlagSet.Var(newStringsValue(dst), name, usage)
	c.repeatables = append(c.repeatables, dst)
}

func (v *stringsValue) String() string {
	if v.dst == nil {
		return ""
	}
	return strings.Join(*v.dst, ",")
}

func (v *stringsValue) Set(s string) error {
	*v.dst = append(*v.dst, s)
	return nil
}

// configFromFile decodes path strictly: any key in the file that maps
// to nothing in the Common/role-specific struct is a config error
// rather than a silent no-op, matching the teacher's
// pkg/util.StrictDecodeFile.
func (c *Common) configFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return errors.Errorf("config file %s contains unknown options: %s", path, strings.Join(items, ", "))
	}
	return nil
}

// setFlagsFromEnv overrides any flag not explicitly set on the command
// line with a FASTDFS_<FLAGNAME> environment variable, uppercased with
// dashes turned to underscores — mirrors pkg/flags.SetFlagsFromEnv in
// the teacher.
func setFlagsFromEnv(prefix string, fs *flag.FlagSet) error {
	var err error
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { alreadySet[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		if alreadySet[f.Name] || err != nil {
			return
		}
		key := prefix + "_" + strings.ToUpper(strings.Replace(f.Name, "-", "_", -1))
		val := os.Getenv(key)
		if val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = errors.Annotatef(serr, "config: env %s", key)
		}
	})
	return err
}

// parse runs the flag/file/flag/env pipeline common to both roles;
// callers register their own flags on fs before calling this.
func (c *Common) parse(envPrefix string, args []string) error {
	if err := c.FlagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		return errors.Trace(err)
	}
	if c.printVersion {
		fmt.Fprintln(os.Stderr, "fastdfs-sub015 (see DESIGN.md)")
		os.Exit(0)
	}

	if c.configFile != "" {
		if err := c.configFromFile(c.configFile); err != nil {
			return errors.Trace(err)
		}
		// command-line flags win over the config file; reset repeatable
		// flags first so this pass replaces rather than appends to the
		// values the first pass already collected.
		for _, dst := range c.repeatables {
			*dst = nil
		}
		if err := c.FlagSet.Parse(args); err != nil {
			return errors.Trace(err)
		}
	}
	if len(c.FlagSet.Args()) > 0 {
		return errors.Errorf("'%s' is not a valid flag", c.FlagSet.Arg(0))
	}

	if err := setFlagsFromEnv(envPrefix, c.FlagSet); err != nil {
		return errors.Trace(err)
	}

	if c.Port == 0 {
		return errors.New("config: port is required")
	}
	host, _, err := net.SplitHostPort(netutil.DefaultListenAddr(c.Port))
	if err == nil && !netutil.IsValidListenHost(host) {
		log.Warnf("config: listen host %q may not be reachable by peers", host)
	}

	for _, addr := range c.TrackerServers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return errors.Annotatef(err, "config: bad tracker_server %q", addr)
		}
	}

	return nil
}

// InitLogger applies LogLevel/LogFile/LogRotate to the process-global
// logger, grounded on reparo/config.go's InitLogger in the teacher.
func (c *Common) InitLogger() {
	log.SetLevelByString(c.LogLevel)
	if c.LogFile != "" {
		log.SetOutputByName(c.LogFile)
		if c.LogRotate == "hour" {
			log.SetRotateByHour()
		} else {
			log.SetRotateByDay()
		}
	}
}

func (c *Common) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		log.Errorf("config: marshal: %v", err)
	}
	return string(data)
}
