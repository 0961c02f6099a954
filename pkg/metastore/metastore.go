// Package metastore persists per-file metadata (SET_METADATA / GET_METADATA,
// "key\x02value\x01..." blobs) in an embedded boltdb database, one
// bucket per store path index. The on-disk format is this package's own
// choice — only the wire encoding is normative (pkg/proto).
//
// Adapted from pkg/store/boltdb.go in the teacher, narrowed from a
// generic namespace/key/value Store interface to the metadata-specific
// Get/Set/Delete this domain needs.
package metastore

import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Store is the per-storage-node metadata database.
type Store struct {
	db *bolt.DB
}

func bucketName(pathIndex byte) []byte {
	return []byte(fmt.Sprintf("path-%d", pathIndex))
}

// Open opens (creating if absent) the boltdb file at path, with one
// bucket pre-created per store path index in [0, pathCount).
func Open(path string, pathCount byte) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for i := byte(0); i < pathCount; i++ {
			if _, err := tx.CreateBucketIfNotExists(bucketName(i)); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}

	return &Store{db: db}, nil
}

// Get returns the decoded metadata for filename on the given store path,
// or proto.KindNotFound if none has ever been set.
func (s *Store) Get(pathIndex byte, filename string) (proto.Metadata, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(pathIndex))
		if b == nil {
			return errors.NotFoundf("metastore: path bucket %d", pathIndex)
		}
		v := b.Get([]byte(filename))
		if v == nil {
			return errors.NotFoundf("metastore: metadata for %s", filename)
		}
		raw = append(raw, v...)
		return nil
	})
	if err != nil {
		return nil, proto.NewError(proto.KindNotFound, err)
	}
	return proto.DecodeMetadata(raw)
}

// Set stores the wire-encoded form of m for filename, replacing any
// previous value.
func (s *Store) Set(pathIndex byte, filename string, m proto.Metadata) error {
	encoded := proto.EncodeMetadata(m)
	return errors.Trace(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(pathIndex))
		if b == nil {
			return errors.NotFoundf("metastore: path bucket %d", pathIndex)
		}
		return b.Put([]byte(filename), encoded)
	}))
}

// Delete removes filename's metadata, if any; deleting an absent key is
// not an error, mirroring the idempotent file-delete semantics
// replication replay relies on.
func (s *Store) Delete(pathIndex byte, filename string) error {
	return errors.Trace(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(pathIndex))
		if b == nil {
			return errors.NotFoundf("metastore: path bucket %d", pathIndex)
		}
		return b.Delete([]byte(filename))
	}))
}

// Close closes the underlying boltdb handle.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}
