package config

import "time"

// StorageConfig is the storage daemon's configuration: Common plus the
// store-path layout, binlog/mark flush cadence and replication tuning.
type StorageConfig struct {
	Common

	GroupName          string   `toml:"group_name" json:"group_name"`
	StorePaths         []string `toml:"store_path" json:"store_path"`
	SubdirCountPerPath int      `toml:"subdir_count_per_path" json:"subdir_count_per_path"`

	SyncLogBuffInterval time.Duration `toml:"sync_log_buff_interval" json:"sync_log_buff_interval"`
	MarkFlushInterval   time.Duration `toml:"mark_flush_interval" json:"mark_flush_interval"`
	MarkFlushRecords    int           `toml:"mark_flush_records" json:"mark_flush_records"`

	ThreadStackSizeKB int `toml:"thread_stack_size" json:"thread_stack_size"`

	StoragePort     int `toml:"storage_port" json:"storage_port"`
	StorageHTTPPort int `toml:"storage_http_port" json:"storage_http_port"`

	// MetaStorePath locates the boltdb file backing SET_METADATA /
	// GET_METADATA (pkg/metastore), relative to DataDir unless absolute.
	MetaStorePath string `toml:"meta_store_path" json:"meta_store_path"`

	// TrunkEnabled is parsed but not read by fdfs-storaged, which does
	// not start the trunk binlog sub-engine (internal/trunk).
	TrunkEnabled bool `toml:"trunk_enabled" json:"trunk_enabled"`
}

// NewStorageConfig returns a StorageConfig with its flags registered
// and defaulted.
func NewStorageConfig() *StorageConfig {
	cfg := &StorageConfig{Common: newCommon("fdfs-storaged")}
	fs := cfg.FlagSet

	fs.StringVar(&cfg.GroupName, "group_name", "", "group this storage node belongs to")
	cfg.varStrings(&cfg.StorePaths, "store_path", "store path directory, repeatable; first is the base path")
	fs.IntVar(&cfg.SubdirCountPerPath, "subdir_count_per_path", 16, "hashed subdirectories per store path (bounds per-directory file count)")
	fs.DurationVar(&cfg.SyncLogBuffInterval, "sync_log_buff_interval", time.Second, "interval between heartbeats to each tracker (binlog appends are fsynced on every write and do not use it)")
	fs.DurationVar(&cfg.MarkFlushInterval, "mark_flush_interval", 10*time.Second, "mark file flush cadence, time-based")
	fs.IntVar(&cfg.MarkFlushRecords, "mark_flush_records", 100, "mark file flush cadence, record-count based")
	fs.IntVar(&cfg.ThreadStackSizeKB, "thread_stack_size", 512, "per-connection worker goroutine stack hint (advisory, Go goroutines grow on demand)")
	fs.IntVar(&cfg.StoragePort, "storage_port", 0, "port storage peers connect to for sync traffic (defaults to port)")
	fs.IntVar(&cfg.StorageHTTPPort, "storage_http_port", 0, "admin HTTP port, defaults to port+1 if unset")
	fs.StringVar(&cfg.MetaStorePath, "meta_store_path", "meta.bolt", "boltdb file path for per-file metadata, relative to data_dir")
	fs.BoolVar(&cfg.TrunkEnabled, "trunk_enabled", false, "trunk binlog sub-engine switch (parsed; fdfs-storaged does not start the sub-engine)")

	cfg.postParse = func() error {
		if cfg.GroupName == "" {
			return invalidPolicy("group_name", "")
		}
		if len(cfg.StorePaths) == 0 {
			cfg.StorePaths = []string{cfg.DataDir}
		}
		if cfg.StoragePort == 0 {
			cfg.StoragePort = cfg.Port
		}
		if cfg.StorageHTTPPort == 0 {
			cfg.StorageHTTPPort = cfg.Port + 1
		}
		return nil
	}

	return cfg
}

// Parse runs the shared flag/file/env pipeline then applies
// storage-specific validation and defaulting.
func (cfg *StorageConfig) Parse(args []string) error {
	if err := cfg.parse("FASTDFS", args); err != nil {
		return err
	}
	if cfg.postParse != nil {
		return cfg.postParse()
	}
	return nil
}
