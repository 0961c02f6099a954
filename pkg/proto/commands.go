package proto

import "fmt"

// Storage client-facing commands.
const (
	CmdUploadFile      byte = 11
	CmdDeleteFile      byte = 12
	CmdDownloadFile    byte = 13
	CmdGetMetaData     byte = 14
	CmdSetMetaData     byte = 15
	CmdUploadSlaveFile byte = 21
	CmdQueryFileInfo   byte = 22
	CmdUploadAppender  byte = 23
	CmdAppendFile      byte = 24
	CmdModifyFile      byte = 34
	CmdTruncateFile    byte = 36
)

// Tracker commands.
const (
	CmdQueryStoreWithoutGroupOne byte = 101
	CmdQueryStoreWithGroupOne    byte = 104
	CmdQueryFetchOne             byte = 102
	CmdQueryUpdate               byte = 103
	CmdQueryFetchAll             byte = 105
	CmdQueryStoreWithoutGroupAll byte = 106
	CmdQueryStoreWithGroupAll    byte = 107
	CmdStorageJoin               byte = 90
	CmdStorageBeat               byte = 91
	CmdTrackerPing               byte = 92
	CmdStorageSyncSrcReq         byte = 93
	CmdStorageSyncNotify         byte = 94
	CmdStorageSyncReport         byte = 95
	CmdTrackerGetLeader          byte = 96
	CmdTrackerElect              byte = 97
	CmdStorageReportStatus       byte = 98
)

// Storage-to-storage sync commands.
const (
	CmdSyncCreateFile byte = 80
	CmdSyncDeleteFile byte = 81
	CmdSyncUpdateFile byte = 82
	CmdSyncAppendFile byte = 83
	CmdSyncModifyFile byte = 84
	CmdSyncTruncate   byte = 85
	CmdSyncCreateLink byte = 86
	CmdSyncDeleteLink byte = 87
	CmdSyncSetMeta    byte = 88
)

// Connection-lifecycle commands.
const (
	CmdQuit       byte = 79
	CmdActiveTest byte = 111
)

// RespCmd is the command code every reply carries; request vs. response
// context is disambiguated by which connection role sent it, not by the
// code itself (tracker replies and storage replies both use 100).
const RespCmd byte = 100

var cmdNames = map[byte]string{
	CmdUploadFile:      "upload_file",
	CmdDeleteFile:      "delete_file",
	CmdDownloadFile:    "download_file",
	CmdGetMetaData:     "get_metadata",
	CmdSetMetaData:     "set_metadata",
	CmdUploadSlaveFile: "upload_slave_file",
	CmdQueryFileInfo:   "query_file_info",
	CmdUploadAppender:  "upload_appender_file",
	CmdAppendFile:      "append_file",
	CmdModifyFile:      "modify_file",
	CmdTruncateFile:    "truncate_file",

	CmdQueryStoreWithoutGroupOne: "query_store_without_group_one",
	CmdQueryStoreWithGroupOne:    "query_store_with_group_one",
	CmdQueryFetchOne:             "query_fetch_one",
	CmdQueryUpdate:               "query_update",
	CmdQueryFetchAll:             "query_fetch_all",
	CmdQueryStoreWithoutGroupAll: "query_store_without_group_all",
	CmdQueryStoreWithGroupAll:    "query_store_with_group_all",
	CmdStorageJoin:               "storage_join",
	CmdStorageBeat:               "storage_beat",
	CmdTrackerPing:               "tracker_ping",
	CmdStorageSyncSrcReq:         "storage_sync_src_req",
	CmdStorageSyncNotify:         "storage_sync_notify",
	CmdStorageSyncReport:         "storage_sync_report",
	CmdTrackerGetLeader:          "tracker_get_leader",
	CmdTrackerElect:              "tracker_elect",
	CmdStorageReportStatus:       "storage_report_status",

	CmdSyncCreateFile: "sync_create_file",
	CmdSyncDeleteFile: "sync_delete_file",
	CmdSyncUpdateFile: "sync_update_file",
	CmdSyncAppendFile: "sync_append_file",
	CmdSyncModifyFile: "sync_modify_file",
	CmdSyncTruncate:   "sync_truncate",
	CmdSyncCreateLink: "sync_create_link",
	CmdSyncDeleteLink: "sync_delete_link",
	CmdSyncSetMeta:    "sync_set_meta",

	CmdQuit:       "quit",
	CmdActiveTest: "active_test",
	RespCmd:       "response",
}

// CommandName renders cmd as a short label for logging and metrics,
// falling back to its numeric value for anything unregistered.
func CommandName(cmd byte) string {
	if name, ok := cmdNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("cmd_%d", cmd)
}

// FrameFields documents the fixed widths used throughout body encoding.
const (
	GroupNameLen  = 16
	ExtNameLen    = 6
	IPAddrLen     = 16
	VersionLen    = 8
	DomainNameLen = 128
	FilenamePfxLen = 16
	MetaNameLen   = 64
	MetaValueLen  = 256
)
