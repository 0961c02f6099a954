package config

import "time"

// TrackerConfig is the tracker daemon's configuration: Common plus the
// group/member selection policies and failure-detection thresholds.
type TrackerConfig struct {
	Common

	StoreLookup StoreLookupPolicy `toml:"store_lookup" json:"store_lookup"`
	StoreServer StoreServerPolicy `toml:"store_server" json:"store_server"`
	StorePath   StorePathPolicy   `toml:"store_path" json:"store_path"`

	// PreferredGroup, when non-empty, restricts store selection to that
	// group under every StoreLookup policy.
	PreferredGroup string `toml:"preferred_group" json:"preferred_group"`

	ReservedStorageSpaceMB  int           `toml:"reserved_storage_space" json:"reserved_storage_space"`
	CheckActiveInterval     time.Duration `toml:"check_active_interval" json:"check_active_interval"`
	SyncBinlogBuffInterval  time.Duration `toml:"sync_binlog_buff_interval" json:"sync_binlog_buff_interval"`
}

// NewTrackerConfig returns a TrackerConfig with its flags registered and
// defaulted.
func NewTrackerConfig() *TrackerConfig {
	cfg := &TrackerConfig{Common: newCommon("fdfs-trackerd")}
	fs := cfg.FlagSet

	var lookup, server, path string
	fs.StringVar(&lookup, "store_lookup", string(StoreLookupRoundRobin), "group selection policy: round-robin, spec-group, load-balance")
	fs.StringVar(&server, "store_server", string(StoreServerRoundRobin), "within-group member policy: round-robin, first-alive, priority")
	fs.StringVar(&path, "store_path", string(StorePathRoundRobin), "within-node path policy: round-robin, most-free-space")
	fs.StringVar(&cfg.PreferredGroup, "preferred_group", "", "group every store is restricted to when set, under any store_lookup policy")
	fs.IntVar(&cfg.ReservedStorageSpaceMB, "reserved_storage_space", defaultReservedSpaceMB, "a member whose total free MB across its store paths is below this is excluded from store eligibility")
	fs.DurationVar(&cfg.CheckActiveInterval, "check_active_interval", defaultCheckActiveInterval, "OFFLINE detection threshold (missed-heartbeat multiple of this is used)")
	fs.DurationVar(&cfg.SyncBinlogBuffInterval, "sync_binlog_buff_interval", time.Second, "tracker state files are snapshotted every 10x this interval")

	cfg.postParse = func() error {
		cfg.StoreLookup = StoreLookupPolicy(lookup)
		cfg.StoreServer = StoreServerPolicy(server)
		cfg.StorePath = StorePathPolicy(path)
		return validatePolicies(cfg.StoreLookup, cfg.StoreServer, cfg.StorePath)
	}

	return cfg
}

// Parse runs the shared flag/file/env pipeline then applies
// tracker-specific validation.
func (cfg *TrackerConfig) Parse(args []string) error {
	if err := cfg.parse("FASTDFS", args); err != nil {
		return err
	}
	if cfg.postParse != nil {
		return cfg.postParse()
	}
	return nil
}

func validatePolicies(lookup StoreLookupPolicy, server StoreServerPolicy, path StorePathPolicy) error {
	switch lookup {
	case StoreLookupRoundRobin, StoreLookupSpecGroup, StoreLookupLoadBalance:
	default:
		return invalidPolicy("store_lookup", string(lookup))
	}
	switch server {
	case StoreServerRoundRobin, StoreServerFirstAlive, StoreServerPriority:
	default:
		return invalidPolicy("store_server", string(server))
	}
	switch path {
	case StorePathRoundRobin, StorePathMostFreeSpace:
	default:
		return invalidPolicy("store_path", string(path))
	}
	return nil
}
