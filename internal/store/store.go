// Package store persists the device layout and routine definitions in a
// single-file bbolt database. The controller writes after every mutation and
// reads once at startup, so a missing or fresh file is normal.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/coop-controller/internal/device"
	"github.com/sweeney/coop-controller/internal/routine"
	bolt "go.etcd.io/bbolt"
)

var (
	devicesBucket  = []byte("devices")
	routinesBucket = []byte("routines")

	layoutKey   = []byte("layout")
	routinesKey = []byte("all")
)

// Store is a bbolt-backed persister for devices and routines.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{devicesBucket, routinesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDevices writes the whole device layout.
func (s *Store) SaveDevices(devices []device.Device) error {
	return s.put(devicesBucket, layoutKey, devices)
}

// LoadDevices reads the device layout. An empty database yields an empty
// slice, not an error.
func (s *Store) LoadDevices() ([]device.Device, error) {
	var devices []device.Device
	if err := s.get(devicesBucket, layoutKey, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// SaveRoutines writes all routine definitions.
func (s *Store) SaveRoutines(routines []routine.Routine) error {
	return s.put(routinesBucket, routinesKey, routines)
}

// LoadRoutines reads all routine definitions. An empty database yields an
// empty slice, not an error.
func (s *Store) LoadRoutines() ([]routine.Routine, error) {
	var routines []routine.Routine
	if err := s.get(routinesBucket, routinesKey, &routines); err != nil {
		return nil, err
	}
	return routines, nil
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		return nil
	})
}
