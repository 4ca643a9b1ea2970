// Package tracker submits Redshift UNLOAD/COPY statements in the background,
// resolves the statement id the warehouse assigned, and polls the execution
// catalog until the statement reaches a terminal state.
//
// A typical caller:
//
//	h, err := tr.Trigger(ctx, req)
//	if err != nil {
//	    return err
//	}
//	tr.AwaitCompletion(ctx, h, time.Minute)
//	res, err := tr.PollUntilTerminal(ctx, h, 30*time.Second, 15*time.Minute)
//
// Timeouts and cancellation on the caller's side only stop the waiting.
// The warehouse statement keeps running once submitted; nothing here
// cancels it.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gurre/rs-transfer/metrics"
	"github.com/gurre/rs-transfer/warehouse"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval       = 30 * time.Second
	DefaultMaxWait            = 15 * time.Minute
	DefaultMaxTransientErrors = 5
)

// Conner hands out dedicated warehouse sessions. *sql.DB satisfies it.
type Conner interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Options configures a Tracker. The zero value is usable.
type Options struct {
	Observer           Observer
	Metrics            *metrics.Metrics
	MaxTransientErrors int
	Logger             *log.Logger
}

// Tracker runs transfers against one warehouse. It is safe for concurrent
// use; each transfer's state lives in its own Handle.
type Tracker struct {
	db                 Conner
	observer           Observer
	metrics            *metrics.Metrics
	maxTransientErrors int
	log                *log.Logger

	wg sync.WaitGroup
}

// NewTracker creates a Tracker over db.
func NewTracker(db Conner, opts Options) *Tracker {
	t := &Tracker{
		db:                 db,
		observer:           opts.Observer,
		metrics:            opts.Metrics,
		maxTransientErrors: opts.MaxTransientErrors,
		log:                opts.Logger,
	}
	if t.observer == nil {
		t.observer = Observers{}
	}
	if t.metrics == nil {
		t.metrics = metrics.NewMetrics()
	}
	if t.maxTransientErrors <= 0 {
		t.maxTransientErrors = DefaultMaxTransientErrors
	}
	if t.log == nil {
		t.log = log.StandardLogger()
	}
	return t
}

// Trigger validates req, starts its submission in the background and returns
// a fresh Handle immediately. The submission is detached from ctx's
// cancellation so a caller giving up cannot abort a statement half-way
// through its submission.
func (t *Tracker) Trigger(ctx context.Context, req Request) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer request: %w", err)
	}

	h := newHandle(req)
	t.entry(h).WithField("table", req.QualifiedTable()).Info("triggering transfer")
	t.observer.OnTriggered(ctx, h)

	t.wg.Add(1)
	go t.submit(context.WithoutCancel(ctx), h)
	return h, nil
}

// Prior identifies a statement submitted by an earlier process.
type Prior struct {
	HandleID    string // keeps the transfer id stable across processes; empty assigns a new one
	StatementID int64
	SubmittedAt time.Time
}

// Resume returns an already-signalled handle for a statement submitted by an
// earlier process, so that it can be polled again. Polling needs only the
// direction and the statement id; the other request fields are kept for
// logs and observers and may be empty.
func (t *Tracker) Resume(req Request, prior Prior) (*Handle, error) {
	if req.Direction != Export && req.Direction != Import {
		return nil, fmt.Errorf("invalid transfer request: invalid direction %d", int(req.Direction))
	}
	if prior.StatementID <= 0 {
		return nil, fmt.Errorf("invalid statement id %d", prior.StatementID)
	}
	h := newHandle(req)
	if prior.HandleID != "" {
		id, err := uuid.Parse(prior.HandleID)
		if err != nil {
			return nil, fmt.Errorf("invalid transfer id %q: %w", prior.HandleID, err)
		}
		h.id = id
	}
	if !prior.SubmittedAt.IsZero() {
		h.submittedAt = prior.SubmittedAt
	}
	h.publish(prior.StatementID, true, nil)
	t.entry(h).Info("resumed transfer")
	return h, nil
}

// AwaitCompletion blocks until h's submission has finished, timeout elapses
// or ctx is done. It reports whether the submission finished.
func (t *Tracker) AwaitCompletion(ctx context.Context, h *Handle, timeout time.Duration) bool {
	if h.Signalled() {
		return true
	}
	if timeout <= 0 {
		select {
		case <-h.Done():
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Wait blocks until every background submission started by Trigger has
// published its outcome.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// submit runs on its own goroutine. Whatever happens in execute, the handle
// is published exactly once.
func (t *Tracker) submit(ctx context.Context, h *Handle) {
	defer t.wg.Done()

	id, resolved, err := t.safeExecute(ctx, h)
	h.publish(id, resolved, err)

	entry := t.entry(h)
	switch {
	case err != nil:
		entry.WithError(err).Error("transfer submission failed")
	case resolved:
		entry.WithField("statement_id", id).Info("transfer submitted")
	default:
		entry.Warn("transfer submitted but its statement id could not be resolved")
	}
	t.observer.OnSubmitted(ctx, h)
}

func (t *Tracker) safeExecute(ctx context.Context, h *Handle) (id int64, resolved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, resolved = 0, false
			err = fmt.Errorf("%w: panic: %v", ErrSubmission, r)
		}
	}()
	return t.execute(ctx, h)
}

// execute sends the statement and resolves its id on the same session, which
// pg_last_query_id/pg_last_copy_id require.
func (t *Tracker) execute(ctx context.Context, h *Handle) (int64, bool, error) {
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("%w: failed to acquire warehouse session: %w", ErrSubmission, err)
	}
	defer func() { _ = conn.Close() }()

	req := h.Request()
	t.metrics.RecordSubmission()
	if _, err := conn.ExecContext(ctx, req.Statement()); err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	id, ok := t.resolve(ctx, conn, h)
	return id, ok, nil
}

// resolve never fails the transfer: a lookup error is logged and reported as
// an unresolved id.
func (t *Tracker) resolve(ctx context.Context, conn *sql.Conn, h *Handle) (int64, bool) {
	req := h.Request()
	entry := t.entry(h)

	id, ok, err := warehouse.LastStatementID(ctx, conn, req.Direction.Keyword())
	if err != nil {
		entry.WithError(err).Warn("session did not report a statement id")
	}
	if ok {
		t.metrics.RecordResolution(false)
		return id, true
	}

	id, ok, err = warehouse.ResolveStatementID(ctx, conn, req.catalogFilter())
	if err != nil {
		entry.WithError(err).Warn("catalog search for statement id failed")
		return 0, false
	}
	if ok {
		t.metrics.RecordResolution(true)
	}
	return id, ok
}

func (t *Tracker) entry(h *Handle) *log.Entry {
	e := t.log.WithFields(log.Fields{
		"transfer_id": h.ID(),
		"direction":   h.request.Direction.String(),
	})
	if id, ok := h.StatementID(); ok {
		e = e.WithField("statement_id", id)
	}
	return e
}
