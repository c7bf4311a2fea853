package store

import (
	"os"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("store")

// Codec converts keys and values to and from the byte strings bbolt
// stores; callers provide one appropriate to their key/value types.
type Codec[H comparable, V any] struct {
	EncodeKey   func(H) []byte
	DecodeKey   func([]byte) H
	EncodeValue func(V) ([]byte, error)
	DecodeValue func([]byte) (V, error)
}

type boltStore[H comparable, V any] struct {
	db    *bolt.DB
	codec Codec[H, V]
}

// NewBolt opens (creating if absent) a bbolt-backed Store at path.
func NewBolt[H comparable, V any](path string, codec Codec[H, V]) (Store[H, V], error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt db %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating bucket")
	}
	return &boltStore[H, V]{db: db, codec: codec}, nil
}

func (s *boltStore[H, V]) Get(key H) (v V, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName).Get(s.codec.EncodeKey(key))
		if b == nil {
			return nil
		}
		decoded, err := s.codec.DecodeValue(b)
		if err != nil {
			return err
		}
		v = decoded
		ok = true
		return nil
	})
	return
}

func (s *boltStore[H, V]) Put(key H, val V) error {
	encoded, err := s.codec.EncodeValue(val)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(s.codec.EncodeKey(key), encoded)
	})
}

func (s *boltStore[H, V]) Delete(key H) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(s.codec.EncodeKey(key))
	})
}

func (s *boltStore[H, V]) ForEach(f func(key H, val V) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			val, err := s.codec.DecodeValue(v)
			if err != nil {
				return err
			}
			return f(s.codec.DecodeKey(k), val)
		})
	})
}

func (s *boltStore[H, V]) Sync() error {
	return s.db.Sync()
}

// Shrink compacts the store into a fresh file and swaps it into place,
// reclaiming space bbolt's own free-list reuse never frees back to the
// filesystem.
func (s *boltStore[H, V]) Shrink() error {
	path := s.db.Path()
	tmp := path + ".compact"
	dst, err := bolt.Open(tmp, 0o600, nil)
	if err != nil {
		return errors.Wrapf(err, "opening compaction target %q", tmp)
	}
	if err := dst.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "creating bucket in compaction target")
	}
	if err := s.ForEach(func(key H, val V) error {
		encoded, err := s.codec.EncodeValue(val)
		if err != nil {
			return err
		}
		return dst.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketName).Put(s.codec.EncodeKey(key), encoded)
		})
	}); err != nil {
		dst.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "copying entries into compaction target")
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing compaction target")
	}
	if err := s.db.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing original db before swap")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "swapping compacted db into place at %q", path)
	}
	reopened, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return errors.Wrapf(err, "reopening compacted db %q", path)
	}
	s.db = reopened
	return nil
}

func (s *boltStore[H, V]) Close() error {
	return s.db.Close()
}
