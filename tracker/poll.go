package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gurre/rs-transfer/warehouse"
	log "github.com/sirupsen/logrus"
)

// PollUntilTerminal waits for h's submission (within maxWait) and then
// queries the catalog every interval until the statement completes, fails,
// or maxWait runs out. Timeouts are reported as StatusTimedOut, not as an
// error; the warehouse statement itself is left running.
//
// The returned error is non-nil only when ctx is cancelled or more than
// MaxTransientErrors consecutive catalog queries fail.
func (t *Tracker) PollUntilTerminal(ctx context.Context, h *Handle, interval, maxWait time.Duration) (Result, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	pollCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	res := Result{Status: StatusRunning}

	select {
	case <-h.Done():
	case <-pollCtx.Done():
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Detail = "submission pending"
		return t.finish(ctx, h, StatusRunning, res, StatusTimedOut), nil
	}

	if err := h.Err(); err != nil {
		res.Detail = err.Error()
		return t.finish(ctx, h, StatusRunning, res, StatusFailed), nil
	}

	id, ok := h.StatementID()
	if !ok {
		res.Detail = DetailNotFound
		return t.finish(ctx, h, StatusRunning, res, StatusUnknown), nil
	}
	res.StatementID = id

	var conn *sql.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	current := StatusRunning
	consecutive := 0
	entry := t.entry(h)

	for {
		status, detail, err := t.observe(pollCtx, &conn, h.Request(), id)
		res.Polls++
		t.metrics.RecordPoll()

		switch {
		case err != nil && pollCtx.Err() != nil:
			// the query was cut short by the deadline; handled below
		case err != nil:
			consecutive++
			t.metrics.RecordTransientError()
			entry.WithError(err).WithField("attempt", consecutive).Warn("catalog query failed")
			if consecutive > t.maxTransientErrors {
				res.Status = current
				res.Detail = err.Error()
				return res, fmt.Errorf("%w: %w", ErrTooManyTransientErrors, err)
			}
		default:
			consecutive = 0
			res.Detail = detail
			if status.Terminal() {
				return t.finish(ctx, h, current, res, status), nil
			}
			entry.WithField("detail", detail).Debug("transfer still running")
		}

		if pollCtx.Err() == nil {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
				continue
			case <-pollCtx.Done():
				timer.Stop()
			}
		}

		if err := ctx.Err(); err != nil {
			res.Status = current
			return res, err
		}
		return t.finish(ctx, h, current, res, StatusTimedOut), nil
	}
}

// observe issues one status query, plus a commit count for completed
// imports. A COPY's own end time does not prove that any file was
// committed, so a completed import with zero committed files is FAILED.
func (t *Tracker) observe(ctx context.Context, conn **sql.Conn, req Request, id int64) (Status, string, error) {
	if *conn == nil {
		c, err := t.db.Conn(ctx)
		if err != nil {
			return StatusRunning, "", fmt.Errorf("failed to acquire warehouse session: %w", err)
		}
		*conn = c
	}

	state, err := warehouse.StatementStatus(ctx, *conn, id)
	if err != nil {
		t.releaseConn(conn, err)
		return StatusRunning, "", err
	}

	token := state.Token()
	switch {
	case !state.Found || !state.EndTime.Valid:
		return StatusRunning, token, nil
	case state.Aborted:
		return StatusFailed, token, nil
	case req.Direction != Import:
		return StatusCompleted, token, nil
	}

	files, err := warehouse.CommittedFiles(ctx, *conn, id)
	if err != nil {
		t.releaseConn(conn, err)
		return StatusRunning, "", err
	}
	detail := fmt.Sprintf("%s; %d files committed", token, files)
	if files == 0 {
		return StatusFailed, detail, nil
	}
	return StatusCompleted, detail, nil
}

// releaseConn hands a session back to the pool after a failed query and
// makes the next tick check one out again. database/sql closes the session
// instead of pooling it when the driver reported driver.ErrBadConn, which
// lib/pq does for broken connections; any other session is reused.
func (t *Tracker) releaseConn(conn **sql.Conn, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	_ = (*conn).Close()
	*conn = nil
}

func (t *Tracker) finish(ctx context.Context, h *Handle, from Status, res Result, to Status) Result {
	res.Status = to
	t.transition(ctx, h, from, to, res.Detail)
	t.entry(h).WithFields(log.Fields{
		"status": to.String(),
		"detail": res.Detail,
		"polls":  res.Polls,
	}).Info("transfer reached terminal state")
	return res
}

func (t *Tracker) transition(ctx context.Context, h *Handle, from, to Status, detail string) {
	t.metrics.RecordTransition()
	t.observer.OnTransition(context.WithoutCancel(ctx), h, from, to, detail)
}
