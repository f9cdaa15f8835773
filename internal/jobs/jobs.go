// Package jobs is a persistent job queue kept in the store. A job is
// scheduled inside a write transaction and becomes runnable when that
// transaction commits; a Scheduler watching the queue then runs it with the
// Go function registered under its name.
//
// A job moves scheduled -> running -> succeeded or failed. Each move is one
// committed transaction, so a crash leaves the job in exactly one state.
// Jobs found running when a Scheduler starts were interrupted and go back to
// scheduled.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/store"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrJobPanicked  = errors.New("job panicked")
	ErrRunning      = errors.New("scheduler already running")
)

type Status string

const (
	Scheduled Status = "scheduled"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Scheduled, Running, Succeeded, Failed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

var queuePrefix = keys.New("job-queue")

// Prefix is where records of status live, one key per job id.
func Prefix(st Status) keys.Key {
	return queuePrefix.Append(string(st))
}

// Func runs one job. params is the JSON the job was scheduled with.
type Func func(ctx context.Context, params json.RawMessage) error

// Record is the stored state of one job.
type Record struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Params      json.RawMessage `json:"params,omitempty"`
	Error       string          `json:"error,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

func put(tx *store.WriteTx, st Status, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.ID, err)
	}
	return tx.Put(Prefix(st).Append(rec.ID), raw)
}

// move deletes rec from the from state and stores it under to.
func move(tx *store.WriteTx, from, to Status, rec Record) error {
	if err := tx.Delete(Prefix(from).Append(rec.ID)); err != nil {
		return err
	}
	return put(tx, to, rec)
}

// List returns the records of status oldest first.
func List(r store.Reader, st Status) (recs []Record, err error) {
	it, err := r.Iterator(Prefix(st))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, it.Close())
	}()

	recs = []Record{}
	for ; !it.Done(); it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", it.Key(), err)
		}
		recs = append(recs, rec)
	}
	return recs, it.Err()
}

// Get looks id up in every state.
func Get(r store.Reader, id string) (Record, Status, error) {
	for _, st := range []Status{Scheduled, Running, Succeeded, Failed} {
		raw, err := r.Get(Prefix(st).Append(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Record{}, "", err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, "", fmt.Errorf("decode job %s: %w", id, err)
		}
		return rec, st, nil
	}
	return Record{}, "", store.ErrNotFound
}
