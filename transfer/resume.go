package transfer

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/wraith-net/wraith/crypto/merkle"
)

// resumeBucket is the single top-level bbolt bucket holding one key per
// transfer ID.
var resumeBucket = []byte("wraith_resume")

// Store persists reassembler progress across restarts using bbolt, the
// embedded key-value store the teacher's own on-disk state (PKI cache,
// mailbox spool) is built on. A transfer's record is laid out exactly as
// spec.md §6 specifies for the persisted received-set: file-root-hash ∥
// chunk-size ∥ total-chunks ∥ bitmap.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) a bbolt-backed resume Store at
// path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: open resume store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resumeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Save persists man's root/chunk-size/total-chunks header plus a bitmap
// of received indices under transferID.
func (s *Store) Save(transferID string, man Manifest, received []int) error {
	buf := encodeReceivedSet(man, received)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(resumeBucket)
		return b.Put([]byte(transferID), buf)
	})
}

// Load retrieves the persisted received-set for transferID, if any. ok
// is false if no record exists.
func (s *Store) Load(transferID string) (root merkle.Hash, chunkSize, numChunks int, received []int, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(resumeBucket)
		v := b.Get([]byte(transferID))
		if v == nil {
			return nil
		}
		ok = true
		root, chunkSize, numChunks, received, err = decodeReceivedSet(v)
		return err
	})
	return root, chunkSize, numChunks, received, ok, err
}

// Delete removes transferID's persisted record, e.g. once complete.
func (s *Store) Delete(transferID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resumeBucket).Delete([]byte(transferID))
	})
}

// encodeReceivedSet lays out root(32) ∥ chunk_size(uint32) ∥
// total_chunks(uint32) ∥ bitmap(ceil(total_chunks/8) bytes).
func encodeReceivedSet(man Manifest, received []int) []byte {
	bitmapLen := (man.NumChunks + 7) / 8
	buf := make([]byte, merkle.Size+4+4+bitmapLen)
	copy(buf, man.Root[:])
	binary.BigEndian.PutUint32(buf[merkle.Size:], uint32(man.ChunkSize))
	binary.BigEndian.PutUint32(buf[merkle.Size+4:], uint32(man.NumChunks))
	bitmap := buf[merkle.Size+8:]
	for _, idx := range received {
		if idx < 0 || idx >= man.NumChunks {
			continue
		}
		bitmap[idx/8] |= 1 << uint(idx%8)
	}
	return buf
}

func decodeReceivedSet(buf []byte) (root merkle.Hash, chunkSize, numChunks int, received []int, err error) {
	if len(buf) < merkle.Size+8 {
		return root, 0, 0, nil, fmt.Errorf("transfer: resume record too short")
	}
	copy(root[:], buf[:merkle.Size])
	chunkSize = int(binary.BigEndian.Uint32(buf[merkle.Size:]))
	numChunks = int(binary.BigEndian.Uint32(buf[merkle.Size+4:]))
	bitmapLen := (numChunks + 7) / 8
	bitmap := buf[merkle.Size+8:]
	if len(bitmap) < bitmapLen {
		return root, 0, 0, nil, fmt.Errorf("transfer: resume bitmap truncated")
	}
	for idx := 0; idx < numChunks; idx++ {
		if bitmap[idx/8]&(1<<uint(idx%8)) != 0 {
			received = append(received, idx)
		}
	}
	return root, chunkSize, numChunks, received, nil
}
