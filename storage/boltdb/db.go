// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package boltdb persists transaction state in a bbolt file.
package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/featurebasedb/plantx/errors"
)

const (
	ErrFmtBucketNotFound = "boltdb: bucket '%s' not found"
)

type Bucket []byte

// DB represents the database connection.
type DB struct {
	db *bolt.DB

	// Datasource name.
	DSN string

	// NoSync skips the fsync after each write transaction. Callers which
	// need durability call Sync themselves.
	NoSync bool

	// Returns the current time. Defaults to time.Now().
	// Can be mocked for tests.
	Now func() time.Time

	filePath string

	// bucketQueue contains a list of buckets to create upon Open.
	bucketQueue []Bucket
}

// NewDB returns a new instance of DB associated with the given datasource name.
func NewDB(dsn string) *DB {
	return &DB{
		DSN: dsn,
		Now: time.Now,
	}
}

// NewSvcBolt returns an unopened DB for a named service in dir, with
// buckets queued for creation. The data file is named after the service.
func NewSvcBolt(dir, svc string, buckets ...Bucket) *DB {
	dir = strings.TrimPrefix(dir, "file:")
	filename := filepath.Join(dir, svc+".boltdb")
	db := NewDB("file:" + filename)
	db.RegisterBuckets(buckets...)
	return db
}

// path returns the file path to the boltdb database file.
func (db *DB) path() (string, error) {
	if !strings.HasPrefix(db.DSN, "file:") {
		return "", errors.New(errors.ErrBadParameter, "boltdb package only supports a DSN beginning with `file:`")
	}
	return db.DSN[5:], nil
}

// RegisterBuckets queues up the buckets to be created when the database is
// first opened.
func (db *DB) RegisterBuckets(buckets ...Bucket) {
	db.bucketQueue = append(db.bucketQueue, buckets...)
}

// InitializeBuckets creates the given buckets if they do not already exist.
func (db *DB) InitializeBuckets(buckets ...Bucket) (err error) {
	return db.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", bucket)
			}
		}
		return nil
	})
}

// Open opens the database connection.
func (db *DB) Open() (err error) {
	path, err := db.path()
	if err != nil {
		return errors.Wrap(err, "getting path from DSN")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	} else if db.db, err = bolt.Open(path, 0666, &bolt.Options{Timeout: 1 * time.Second, NoSync: db.NoSync}); err != nil {
		return errors.Wrapf(err, "open file: %s", path)
	}
	db.filePath = path

	if err := db.InitializeBuckets(db.bucketQueue...); err != nil {
		db.db.Close()
		return errors.Wrap(err, "initializing buckets")
	}
	db.bucketQueue = nil
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Sync flushes written data to disk.
func (db *DB) Sync() error {
	return db.db.Sync()
}

// BeginTx starts a transaction and returns a wrapper Tx type. This type
// provides a reference to the database and a fixed timestamp at the start of
// the transaction. The timestamp allows us to mock time during tests as well.
func (db *DB) BeginTx(ctx context.Context, writable bool) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := db.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Tx{
		Tx:  tx,
		db:  db,
		now: db.Now().UTC(),
	}, nil
}

// Tx wraps the bolt Tx to provide a timestamp at the start of the transaction.
type Tx struct {
	*bolt.Tx
	db  *DB
	now time.Time
}

func (tx *Tx) Now() time.Time { return tx.now }

// bucket returns the named bucket or an error if it was never created.
func (tx *Tx) bucket(name Bucket) (*bolt.Bucket, error) {
	bkt := tx.Bucket(name)
	if bkt == nil {
		return nil, errors.Errorf(ErrFmtBucketNotFound, name)
	}
	return bkt, nil
}

func (db *DB) Path() string {
	return db.filePath
}
