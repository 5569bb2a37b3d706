// Package spool stores messages that could not be submitted, so they can be
// inspected and submitted again later.
//
// The spool is a bstore database, typically at ~/.smtpsubmit/failures.db. A
// message is added after a failed submission and removed after it is
// successfully resubmitted or explicitly removed.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/smtpsubmit/buildvar"
	"github.com/mjl-/smtpsubmit/mlog"
)

// ErrNotFound is returned by Get and Remove for unknown IDs.
var ErrNotFound = errors.New("no such failure")

// Failure is a message for which submission failed.
type Failure struct {
	ID          int64
	Time        time.Time `bstore:"default now,index"`
	Host        string    // Submission server, as configured.
	From        string
	To          []string
	Subject     string
	ContentType string
	Body        string

	Phase string // Protocol phase the submission failed in, e.g. "rcptto".
	Error string

	// Number of additional failed attempts with "failures resend".
	Attempts    int
	LastAttempt time.Time
}

// DBTypes are the types stored in the spool database.
var DBTypes = []any{Failure{}}

// DB is an opened spool.
type DB struct {
	log mlog.Log
	db  *bstore.DB
}

// Open opens the spool database at path, creating it and its parent directory
// if needed.
func Open(ctx context.Context, elog *slog.Logger, path string) (*DB, error) {
	log := mlog.New("spool", elog)
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("making spool directory: %v", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0600, RegisterLogger: buildvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open spool database: %w", err)
	}
	return &DB{log, db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Add stores a new failure. Its ID is set.
func (d *DB) Add(ctx context.Context, f *Failure) error {
	if f.ID != 0 {
		return fmt.Errorf("failure already has id %d", f.ID)
	}
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	if err := d.db.Insert(ctx, f); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	d.log.Debug("failure added to spool", slog.Int64("id", f.ID), slog.String("phase", f.Phase))
	return nil
}

// List returns all failures, most recent first.
func (d *DB) List(ctx context.Context) ([]Failure, error) {
	var l []Failure
	err := d.db.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		l, err = bstore.QueryTx[Failure](tx).SortDesc("Time", "ID").List()
		return err
	})
	return l, err
}

// Get returns a failure by ID.
func (d *DB) Get(ctx context.Context, id int64) (Failure, error) {
	f := Failure{ID: id}
	err := d.db.Get(ctx, &f)
	if errors.Is(err, bstore.ErrAbsent) {
		return Failure{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return f, err
}

// Attempt records another failed attempt to submit f.
func (d *DB) Attempt(ctx context.Context, id int64, phase, errmsg string) error {
	return d.db.Write(ctx, func(tx *bstore.Tx) error {
		f := Failure{ID: id}
		if err := tx.Get(&f); errors.Is(err, bstore.ErrAbsent) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		} else if err != nil {
			return err
		}
		f.Attempts++
		f.LastAttempt = time.Now()
		f.Phase = phase
		f.Error = errmsg
		return tx.Update(&f)
	})
}

// Remove removes failures by ID. All IDs must exist, otherwise nothing is
// removed.
func (d *DB) Remove(ctx context.Context, ids ...int64) error {
	err := d.db.Write(ctx, func(tx *bstore.Tx) error {
		for _, id := range ids {
			if err := tx.Delete(&Failure{ID: id}); errors.Is(err, bstore.ErrAbsent) {
				return fmt.Errorf("%w: %d", ErrNotFound, id)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		d.log.Debug("removed failures from spool", slog.Any("ids", ids))
	}
	return err
}
