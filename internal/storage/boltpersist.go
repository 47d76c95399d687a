package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// BoltPersister snapshots the registry's discovered logical-volume
// table to a bbolt database so it survives a process restart, a
// convenience the in-memory table by itself doesn't provide.
type BoltPersister struct {
	db *bbolt.DB
}

var volumesBucket = []byte("volumes")

// OpenBoltPersister opens (creating if needed) the bbolt database at
// path.
func OpenBoltPersister(path string) (*BoltPersister, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt persister: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(volumesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init bolt persister: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

// Close releases the database handle.
func (p *BoltPersister) Close() error { return p.db.Close() }

// Snapshot persists every LV currently registered in r (name ->
// firstBlock||blockCount||blockSize, single-region LVs only, matching
// what RegisterPV materializes for the fallback and winning mappers).
func (p *BoltPersister) Snapshot(r *Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(volumesBucket)
		for name, lv := range r.lvs {
			if len(lv.Regions) != 1 {
				continue // striped/multi-region LVs aren't persisted
			}
			reg := lv.Regions[0]
			buf := make([]byte, 8+8+8)
			binary.BigEndian.PutUint64(buf[0:8], reg.FirstBlock)
			binary.BigEndian.PutUint64(buf[8:16], reg.BlockCount)
			binary.BigEndian.PutUint64(buf[16:24], uint64(lv.BlockSize))
			if err := b.Put([]byte(name), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// PersistedVolume is a decoded snapshot record.
type PersistedVolume struct {
	Name       string
	FirstBlock uint64
	BlockCount uint64
	BlockSize  int
}

// Load returns every persisted volume record.
func (p *BoltPersister) Load() ([]PersistedVolume, error) {
	var out []PersistedVolume
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(volumesBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 24 {
				return fmt.Errorf("storage: malformed persisted volume record for %q", k)
			}
			out = append(out, PersistedVolume{
				Name:       string(k),
				FirstBlock: binary.BigEndian.Uint64(v[0:8]),
				BlockCount: binary.BigEndian.Uint64(v[8:16]),
				BlockSize:  int(binary.BigEndian.Uint64(v[16:24])),
			})
			return nil
		})
	})
	return out, err
}
