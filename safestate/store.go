// Package safestate persists the node's recovery marker: the position the
// local data is known to correspond to, and whether that data can be trusted
// after a restart. Every mutator commits before returning, so a marker
// observed after a crash always reflects the last completed call.
package safestate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/mtereshkin/galago/gtid"
)

var (
	// ErrCorrupt is returned once the marker has been marked corrupt. The
	// store refuses further use; recovery requires operator intervention.
	ErrCorrupt = errors.New("saved state is marked corrupt, manual recovery required")
)

var (
	bucketName = []byte("safe_state")

	keyUUID            = []byte("uuid")
	keySeqno           = []byte("seqno")
	keySafeToBootstrap = []byte("safe_to_bootstrap")
	keySafe            = []byte("safe")
	keyCorrupt         = []byte("corrupt")
)

// Marker is the persisted record.
type Marker struct {
	UUID            uuid.UUID
	Seqno           int64
	SafeToBootstrap bool
	Safe            bool
}

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the marker store at path. A fresh store starts at
// the nil UUID with an undefined seqno: a node without history must earn a
// position through a membership round before it can report one.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open safe state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}

		if b.Get(keyUUID) != nil {
			return nil
		}

		// Seed defaults for a store created from scratch.
		if err := putMarker(b, Marker{
			UUID:  uuid.Nil,
			Seqno: gtid.SeqnoUndefined,
			Safe:  true,
		}); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init safe state db: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads the current marker. Returns ErrCorrupt once MarkCorrupt has been
// called.
func (s *Store) Get() (Marker, error) {
	var m Marker

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		if len(b.Get(keyCorrupt)) > 0 {
			return ErrCorrupt
		}

		var err error
		m, err = getMarker(b)

		return err
	})
	if err != nil {
		return Marker{}, err
	}

	return m, nil
}

// Set records a clean position: uuid and seqno, with the safe flag raised.
func (s *Store) Set(u uuid.UUID, seqno int64, safeToBootstrap bool) error {
	return s.mutate(func(b *bolt.Bucket) error {
		return putMarker(b, Marker{
			UUID:            u,
			Seqno:           seqno,
			SafeToBootstrap: safeToBootstrap,
			Safe:            true,
		})
	})
}

// MarkUnsafe lowers the safe flag. Must complete before any potentially
// corrupting work begins; a crash afterwards demands a full snapshot on
// restart regardless of the stored seqno.
func (s *Store) MarkUnsafe() error {
	return s.mutate(func(b *bolt.Bucket) error {
		return b.Put(keySafe, encodeBool(false))
	})
}

// MarkSafe raises the safe flag after a successful quiescent point.
func (s *Store) MarkSafe() error {
	return s.mutate(func(b *bolt.Bucket) error {
		return b.Put(keySafe, encodeBool(true))
	})
}

// MarkCorrupt moves the store to its terminal state. Every subsequent call
// other than Close reports ErrCorrupt.
func (s *Store) MarkCorrupt() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(keyCorrupt, encodeBool(true))
	})
}

func (s *Store) mutate(fn func(b *bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		if len(b.Get(keyCorrupt)) > 0 {
			return ErrCorrupt
		}

		return fn(b)
	})
}

func putMarker(b *bolt.Bucket, m Marker) error {
	if err := b.Put(keyUUID, m.UUID[:]); err != nil {
		return err
	}

	if err := b.Put(keySeqno, encodeSeqno(m.Seqno)); err != nil {
		return err
	}

	if err := b.Put(keySafeToBootstrap, encodeBool(m.SafeToBootstrap)); err != nil {
		return err
	}

	return b.Put(keySafe, encodeBool(m.Safe))
}

func getMarker(b *bolt.Bucket) (Marker, error) {
	var m Marker

	rawUUID := b.Get(keyUUID)
	if len(rawUUID) != 16 {
		return m, fmt.Errorf("safe state record has bad uuid length %d", len(rawUUID))
	}

	copy(m.UUID[:], rawUUID)

	rawSeqno := b.Get(keySeqno)
	if len(rawSeqno) != 8 {
		return m, fmt.Errorf("safe state record has bad seqno length %d", len(rawSeqno))
	}

	m.Seqno = int64(binary.BigEndian.Uint64(rawSeqno))
	m.SafeToBootstrap = decodeBool(b.Get(keySafeToBootstrap))
	m.Safe = decodeBool(b.Get(keySafe))

	return m, nil
}

func encodeSeqno(seqno int64) []byte {
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, uint64(seqno))

	return bs
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}

	return []byte{0}
}

func decodeBool(bs []byte) bool {
	return len(bs) == 1 && bs[0] == 1
}
