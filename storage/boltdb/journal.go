// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltdb

import (
	"context"
	"encoding/binary"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/logger"
	"github.com/featurebasedb/plantx/transaction"
)

var (
	bucketTransactions = Bucket("transactions")
	bucketMeta         = Bucket("meta")

	keyLastServer = []byte("lastServer")
)

// JournalBuckets are the buckets a Journal uses.
var JournalBuckets = []Bucket{bucketTransactions, bucketMeta}

// Ensure type implements interface.
var _ transaction.Engine = (*Journal)(nil)

// Record is the persisted form of a managed transaction.
type Record struct {
	ID          uint64             `json:"id"`
	Server      string             `json:"server"`
	Database    string             `json:"database"`
	Origin      string             `json:"origin,omitempty"`
	User        string             `json:"user,omitempty"`
	Collections []RecordCollection `json:"collections"`
	Status      transaction.Status `json:"status"`
	Created     time.Time          `json:"created"`
	Updated     time.Time          `json:"updated"`
}

type RecordCollection struct {
	Name string                 `json:"name"`
	Mode transaction.AccessMode `json:"mode"`
}

// Journal is a transaction.Engine which records the status of every
// managed transaction. Each opened Journal has its own server id; records
// left running by an earlier server are aborted when the journal is
// opened.
type Journal struct {
	db       *DB
	serverID uuid.UUID
	logger   logger.Logger
}

// OpenJournal opens, creating it if needed, the journal in dir.
func OpenJournal(ctx context.Context, dir string, log logger.Logger) (*Journal, error) {
	if log == nil {
		log = logger.NopLogger
	}
	db := NewSvcBolt(dir, "transactions", JournalBuckets...)
	db.NoSync = true
	if err := db.Open(); err != nil {
		return nil, errors.Wrap(err, "opening transaction journal")
	}
	j := &Journal{
		db:       db,
		serverID: uuid.New(),
		logger:   log,
	}
	n, err := j.recover(ctx)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "recovering transaction journal")
	}
	if n > 0 {
		log.Infof("aborted %d transactions left running by a previous server", n)
	}
	return j, nil
}

func (j *Journal) ServerID() uuid.UUID { return j.serverID }
func (j *Journal) Path() string        { return j.db.Path() }

// Close closes the underlying file.
func (j *Journal) Close() error {
	if err := j.db.Sync(); err != nil {
		j.logger.Warnf("syncing transaction journal: %v", err)
	}
	return j.db.Close()
}

func recordKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// recover aborts every running record written by another server and
// records this server as the last one.
func (j *Journal) recover(ctx context.Context) (int, error) {
	tx, err := j.db.BeginTx(ctx, true)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	bkt, err := tx.bucket(bucketTransactions)
	if err != nil {
		return 0, err
	}
	var stale []Record
	if err := bkt.ForEach(func(k, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return errors.Wrapf(err, "decoding record %x", k)
		}
		if rec.Status == transaction.StatusRunning && rec.Server != j.serverID.String() {
			stale = append(stale, rec)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	for _, rec := range stale {
		rec.Status = transaction.StatusAborted
		rec.Updated = tx.Now()
		if err := putRecord(tx, &rec); err != nil {
			return 0, err
		}
	}

	meta, err := tx.bucket(bucketMeta)
	if err != nil {
		return 0, err
	}
	if err := meta.Put(keyLastServer, []byte(j.serverID.String())); err != nil {
		return 0, errors.Wrap(err, "recording server id")
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), j.db.Sync()
}

func putRecord(tx *Tx, rec *Record) error {
	bkt, err := tx.bucket(bucketTransactions)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding record %d", rec.ID)
	}
	return errors.Wrapf(bkt.Put(recordKey(rec.ID), buf), "putting record %d", rec.ID)
}

func getRecord(tx *Tx, id uint64) (*Record, error) {
	bkt, err := tx.bucket(bucketTransactions)
	if err != nil {
		return nil, err
	}
	v := bkt.Get(recordKey(id))
	if v == nil {
		return nil, transaction.NewErrTransactionNotFound(id)
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding record %d", id)
	}
	return &rec, nil
}

// update runs fn in a write transaction, syncing afterwards if the
// transaction asked to wait for sync.
func (j *Journal) update(ctx context.Context, s *transaction.State, fn func(tx *Tx) error) error {
	tx, err := j.db.BeginTx(ctx, true)
	if err != nil {
		return errors.Wrap(err, "beginning journal transaction")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing journal transaction")
	}
	if s.Options().WaitForSync {
		return errors.Wrap(j.db.Sync(), "syncing journal")
	}
	return nil
}

// BeginTransaction records s as running. An id already in the journal is
// rejected, even when its record is finished.
func (j *Journal) BeginTransaction(ctx context.Context, s *transaction.State) error {
	return j.update(ctx, s, func(tx *Tx) error {
		if prev, err := getRecord(tx, s.ID()); err == nil {
			return transaction.NewErrTransactionInternal(s.ID(), "id already journaled as "+prev.Status.String())
		} else if !errors.Is(err, transaction.ErrTransactionNotFound) {
			return err
		}
		rec := &Record{
			ID:       s.ID(),
			Server:   j.serverID.String(),
			Database: s.Database(),
			Origin:   s.Origin(),
			User:     s.User(),
			Status:   transaction.StatusRunning,
			Created:  s.Created().UTC(),
			Updated:  tx.Now(),
		}
		for _, c := range s.Collections() {
			rec.Collections = append(rec.Collections, RecordCollection{Name: c.Name, Mode: c.Mode})
		}
		return putRecord(tx, rec)
	})
}

func (j *Journal) CommitTransaction(ctx context.Context, s *transaction.State) error {
	return j.setStatus(ctx, s, transaction.StatusCommitted)
}

func (j *Journal) AbortTransaction(ctx context.Context, s *transaction.State) error {
	return j.setStatus(ctx, s, transaction.StatusAborted)
}

func (j *Journal) setStatus(ctx context.Context, s *transaction.State, status transaction.Status) error {
	return j.update(ctx, s, func(tx *Tx) error {
		rec, err := getRecord(tx, s.ID())
		if err != nil {
			return err
		}
		if rec.Status.Finished() && rec.Status != status {
			return transaction.NewErrTransactionDisallowedOperation(rec.ID, "record", rec.Status)
		}
		rec.Status = status
		rec.Updated = tx.Now()
		return putRecord(tx, rec)
	})
}

// Record returns the journal entry of transaction id.
func (j *Journal) Record(ctx context.Context, id uint64) (*Record, error) {
	tx, err := j.db.BeginTx(ctx, false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return getRecord(tx, id)
}

// Records returns every journal entry ordered by id.
func (j *Journal) Records(ctx context.Context) ([]Record, error) {
	tx, err := j.db.BeginTx(ctx, false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bkt, err := tx.bucket(bucketTransactions)
	if err != nil {
		return nil, err
	}
	var out []Record
	err = bkt.ForEach(func(k, v []byte) error {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return errors.Wrapf(err, "decoding record %x", k)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Prune deletes finished records last updated before cutoff and returns
// how many were deleted.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := j.db.BeginTx(ctx, true)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	bkt, err := tx.bucket(bucketTransactions)
	if err != nil {
		return 0, err
	}
	var doomed [][]byte
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return 0, errors.Wrapf(err, "decoding record %x", k)
		}
		if rec.Status.Finished() && rec.Updated.Before(cutoff) {
			doomed = append(doomed, append([]byte(nil), k...))
		}
	}
	for _, k := range doomed {
		if err := bkt.Delete(k); err != nil {
			return 0, errors.Wrapf(err, "deleting record %x", k)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if len(doomed) > 0 {
		j.logger.Debugf("pruned %d transaction journal records", len(doomed))
	}
	return len(doomed), nil
}
