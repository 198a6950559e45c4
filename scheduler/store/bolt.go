package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var tasksBucket = []byte("tasks")

// BoltStore keeps one JSON value per task in a bolt database.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating tasks bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(rec TaskRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding task %s", rec.ID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Put([]byte(rec.ID), buf)
	})
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) List() ([]TaskRecord, error) {
	var recs []TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var rec TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decoding task %s", k)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortBySeq(recs)
	return recs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
