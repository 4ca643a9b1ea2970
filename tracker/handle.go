package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the per-Trigger state of one transfer. The submission goroutine
// is its only writer; it publishes the statement id (or error) exactly once
// and then closes Done. Readers that wait on Done always see the final
// values.
type Handle struct {
	id          uuid.UUID
	request     Request
	submittedAt time.Time

	mu          sync.RWMutex
	statementID int64
	resolved    bool
	err         error

	once sync.Once
	done chan struct{}
}

func newHandle(req Request) *Handle {
	return &Handle{
		id:          uuid.New(),
		request:     req,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// ID uniquely identifies the transfer, independent of the warehouse.
func (h *Handle) ID() string { return h.id.String() }

// Request returns a copy of the request the handle was created for.
func (h *Handle) Request() Request { return h.request }

// SubmittedAt is when Trigger accepted the request.
func (h *Handle) SubmittedAt() time.Time { return h.submittedAt }

// Done is closed once the submission has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Signalled reports whether Done is closed without blocking.
func (h *Handle) Signalled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// StatementID returns the warehouse statement id once resolved.
func (h *Handle) StatementID() (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statementID, h.resolved
}

// Err returns the submission error, if any. It wraps ErrSubmission.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// publish writes the submission outcome and then closes Done. Later calls
// are ignored so the id can never be reassigned.
func (h *Handle) publish(statementID int64, resolved bool, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		if resolved {
			h.statementID = statementID
			h.resolved = true
		}
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
