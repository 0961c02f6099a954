package tracker

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"github.com/ngaut/log"
	"github.com/siddontang/go/ioutil2"
)

// Snapshot is the tracker's on-disk persisted state, split across
// three files: storage_groups.dat, storage_servers.dat,
// storage_sync_timestamp.dat. Grounded on
// drainer/meta.go's atomic-toml-write pattern, already reused for
// internal/storage/mark.go's per-peer marks and generalized here to a
// registry-wide snapshot.
type Snapshot struct {
	Groups            []groupRecord            `toml:"group"`
	Servers           []storageRecord           `toml:"storage"`
	SyncTimestamps    []syncTimestampRecord     `toml:"sync_timestamp"`
}

type groupRecord struct {
	Name            string `toml:"name"`
	StoragePort     int    `toml:"storage_port"`
	StorageHTTPPort int    `toml:"storage_http_port"`
	StorePathCount  int    `toml:"store_path_count"`
	SubdirCount     int    `toml:"subdir_count"`
	ChangeCount     int64  `toml:"change_count"`
}

type storageRecord struct {
	GroupName string `toml:"group_name"`
	StorageID string `toml:"storage_id"`
	IP        string `toml:"ip"`
	Domain    string `toml:"domain"`
	Version   string `toml:"version"`
	Status    byte   `toml:"status"`
	JoinTime  int64  `toml:"join_time"`
	UpTime    int64  `toml:"up_time"`
}

type syncTimestampRecord struct {
	GroupName string `toml:"group_name"`
	Source    string `toml:"source"`
	Dest      string `toml:"dest"`
	Timestamp int64  `toml:"timestamp"`
}

const (
	groupsFile  = "storage_groups.dat"
	serversFile = "storage_servers.dat"
	syncFile    = "storage_sync_timestamp.dat"
)

// Persister owns atomic read/write of a Registry's snapshot under dir.
type Persister struct {
	dir string
}

// NewPersister returns a Persister rooted at dir, creating it if absent.
func NewPersister(dir string) (*Persister, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Trace(err)
	}
	return &Persister{dir: dir}, nil
}

// Save writes every group in r to the three snapshot files atomically
// (temp file + rename each).
func (p *Persister) Save(r *Registry) error {
	var groups []groupRecord
	var servers []storageRecord
	var syncs []syncTimestampRecord

	for _, g := range r.Groups() {
		g.mu.RLock()
		groups = append(groups, groupRecord{
			Name:            g.Name,
			StoragePort:     g.StoragePort,
			StorageHTTPPort: g.StorageHTTPPort,
			StorePathCount:  g.StorePathCount,
			SubdirCount:     g.SubdirCount,
			ChangeCount:     g.ChangeCount,
		})
		for _, st := range g.Members {
			servers = append(servers, storageRecord{
				GroupName: g.Name,
				StorageID: st.StorageID,
				IP:        st.IP,
				Domain:    st.Domain,
				Version:   st.Version,
				Status:    byte(st.Status),
				JoinTime:  st.JoinTime.Unix(),
				UpTime:    st.UpTime.Unix(),
			})
		}
		for src, row := range g.lastSyncTimestamps {
			for dst, ts := range row {
				syncs = append(syncs, syncTimestampRecord{GroupName: g.Name, Source: src, Dest: dst, Timestamp: ts})
			}
		}
		g.mu.RUnlock()
	}

	if err := p.writeTOML(groupsFile, Snapshot{Groups: groups}); err != nil {
		return err
	}
	if err := p.writeTOML(serversFile, Snapshot{Servers: servers}); err != nil {
		return err
	}
	if err := p.writeTOML(syncFile, Snapshot{SyncTimestamps: syncs}); err != nil {
		return err
	}
	return nil
}

func (p *Persister) writeTOML(name string, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(p.dir, name)
	if err := ioutil2.WriteFileAtomic(path, buf.Bytes(), 0600); err != nil {
		log.Errorf("tracker: flush snapshot %s: %v", path, err)
		return errors.Trace(err)
	}
	return nil
}

// Load rebuilds a Registry from the on-disk snapshot: a tracker
// restart rebuilds its registry from this snapshot, then relies on
// incoming heartbeats within a grace window to refresh liveness —
// callers should treat groups as provisional (reply ENOENT-group to
// client queries referencing an unknown group) until that window
// elapses.
func (p *Persister) Load(checkActiveInterval time.Duration) (*Registry, error) {
	r := NewRegistry(checkActiveInterval)

	var groups Snapshot
	if err := p.readTOML(groupsFile, &groups); err != nil {
		return nil, err
	}
	var servers Snapshot
	if err := p.readTOML(serversFile, &servers); err != nil {
		return nil, err
	}
	var syncs Snapshot
	if err := p.readTOML(syncFile, &syncs); err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, gr := range groups.Groups {
		g := newGroup(gr.Name, gr.StoragePort, gr.StorageHTTPPort, gr.StorePathCount, gr.SubdirCount)
		g.ChangeCount = gr.ChangeCount
		r.groups[gr.Name] = g
	}
	r.mu.Unlock()

	for _, sr := range servers.Servers {
		g := r.Group(sr.GroupName)
		if g == nil {
			log.Warnf("tracker: snapshot references unknown group %s for storage %s, skipping", sr.GroupName, sr.StorageID)
			continue
		}
		g.mu.Lock()
		g.Members[sr.StorageID] = &Storage{
			GroupName:    sr.GroupName,
			StorageID:    sr.StorageID,
			IP:           sr.IP,
			Domain:       sr.Domain,
			Version:      sr.Version,
			Status:       Status(sr.Status),
			JoinTime:     time.Unix(sr.JoinTime, 0),
			UpTime:       time.Unix(sr.UpTime, 0),
			LastSyncedTS: make(map[string]int64),
		}
		g.mu.Unlock()
	}

	for _, tr := range syncs.SyncTimestamps {
		g := r.Group(tr.GroupName)
		if g == nil {
			continue
		}
		g.SetSyncTimestamp(tr.Source, tr.Dest, tr.Timestamp)
	}

	return r, nil
}

func (p *Persister) readTOML(name string, v interface{}) error {
	path := filepath.Join(p.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Trace(err)
	}
	defer f.Close()

	if _, err := toml.DecodeReader(f, v); err != nil {
		return errors.Annotatef(err, "tracker: decode snapshot %s", path)
	}
	return nil
}
