// Package coordinator runs one transfer end to end: it checks permissions,
// prepares the storage path, submits the statement through the tracker,
// polls it to a terminal state, verifies what landed, and reports.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gurre/rs-transfer/checkpoint"
	"github.com/gurre/rs-transfer/config"
	"github.com/gurre/rs-transfer/manifest"
	"github.com/gurre/rs-transfer/metrics"
	"github.com/gurre/rs-transfer/preflight"
	"github.com/gurre/rs-transfer/storage"
	"github.com/gurre/rs-transfer/tracker"
	"github.com/gurre/rs-transfer/warehouse"
	log "github.com/sirupsen/logrus"
)

// ErrIncomplete is returned by Run when the transfer did not reach
// COMPLETED. The Result carries the terminal status and detail.
var ErrIncomplete = errors.New("transfer did not complete")

// ErrVerification is returned when a completed transfer fails the checks
// against the storage path.
var ErrVerification = errors.New("transfer verification failed")

// Transferer is the part of *tracker.Tracker the coordinator drives.
type Transferer interface {
	Trigger(ctx context.Context, req tracker.Request) (*tracker.Handle, error)
	Resume(req tracker.Request, prior tracker.Prior) (*tracker.Handle, error)
	AwaitCompletion(ctx context.Context, h *tracker.Handle, timeout time.Duration) bool
	PollUntilTerminal(ctx context.Context, h *tracker.Handle, interval, maxWait time.Duration) (tracker.Result, error)
}

// PermissionChecker simulates the credential role's access to storage.
type PermissionChecker interface {
	Run(ctx context.Context, c preflight.Check) error
}

// Inventory lists and prepares the storage path.
type Inventory interface {
	List(ctx context.Context, bucket, prefix string) ([]storage.Object, error)
	ClearPrefix(ctx context.Context, bucket, prefix string) (int, error)
	CountLines(ctx context.Context, bucket string, objects []storage.Object) (int64, error)
}

// ReportUploader uploads reports to S3.
type ReportUploader interface {
	UploadReport(ctx context.Context, uri string, report metrics.Report) error
}

// Dependencies are the collaborators of a Coordinator. Preflight,
// Inventory, Manifest and ReportUploader may be nil when the matching
// option is off.
type Dependencies struct {
	Tracker        Transferer
	Preflight      PermissionChecker
	Inventory      Inventory
	Manifest       manifest.Loader
	Store          checkpoint.Store
	Metrics        *metrics.Metrics
	ReportUploader ReportUploader
	Out            io.Writer
}

// Coordinator runs a single configured transfer.
type Coordinator struct {
	cfg  *config.Config
	deps Dependencies

	progressInterval time.Duration
}

// NewCoordinator creates a new Coordinator. cfg must already be validated.
func NewCoordinator(cfg *config.Config, deps Dependencies) *Coordinator {
	if deps.Store == nil {
		deps.Store = checkpoint.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	return &Coordinator{
		cfg:              cfg,
		deps:             deps,
		progressInterval: time.Minute,
	}
}

// Request builds the tracker request described by the configuration.
func (c *Coordinator) Request() (tracker.Request, error) {
	dir, err := tracker.ParseDirection(c.cfg.Direction)
	if err != nil {
		return tracker.Request{}, err
	}
	format, err := warehouse.ParseFormat(c.cfg.Format)
	if err != nil {
		return tracker.Request{}, err
	}
	return tracker.Request{
		Direction:      dir,
		Schema:         c.cfg.Schema,
		Table:          c.cfg.Table,
		StoragePath:    c.cfg.StoragePath,
		CredentialRole: c.cfg.CredentialRole,
		Format:         format,
		Overwrite:      c.cfg.Overwrite,
		Manifest:       c.cfg.Manifest,
	}, nil
}

// Run executes the transfer. It returns ErrIncomplete when the statement
// ends in any status other than COMPLETED, and ErrVerification when a
// completed transfer does not match what the storage path holds.
func (c *Coordinator) Run(ctx context.Context) (tracker.Result, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	req, err := c.Request()
	if err != nil {
		return tracker.Result{}, err
	}
	if err := req.Validate(); err != nil {
		return tracker.Result{}, fmt.Errorf("invalid transfer request: %w", err)
	}

	if c.cfg.DryRun {
		fmt.Fprintln(c.deps.Out, req.Statement())
		return tracker.Result{}, nil
	}

	h, err := c.resume(ctx, req)
	if err != nil {
		return tracker.Result{}, err
	}
	if h == nil {
		if h, err = c.submit(ctx, req); err != nil {
			return tracker.Result{}, err
		}
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	go c.reportProgress(progressCtx, h)
	res, pollErr := c.deps.Tracker.PollUntilTerminal(ctx, h, c.cfg.PollInterval, c.cfg.MaxWait)
	stopProgress()

	c.saveCheckpoint(ctx, h, res.Status, res.Detail)
	c.deps.Metrics.RecordOutcome(metrics.Outcome{
		TransferID:  h.ID(),
		Direction:   req.Direction.String(),
		Table:       req.QualifiedTable(),
		StoragePath: req.StoragePath,
		StatementID: res.StatementID,
		Status:      res.Status.String(),
		Detail:      res.Detail,
	})

	var verification *metrics.Verification
	var verifyErr error
	if pollErr == nil && res.Status == tracker.StatusCompleted && c.cfg.Verify {
		verification, verifyErr = c.verify(ctx, req)
	}

	uploadErr := c.publishReport(context.WithoutCancel(ctx), verification)
	if pollErr != nil {
		if uploadErr != nil {
			log.WithError(uploadErr).Warn("failed to upload partial report")
		}
		return res, fmt.Errorf("polling transfer %s failed: %w", h.ID(), pollErr)
	}
	if uploadErr != nil {
		return res, uploadErr
	}

	if verifyErr != nil {
		return res, fmt.Errorf("%w: %w", ErrVerification, verifyErr)
	}
	if res.Status != tracker.StatusCompleted {
		return res, fmt.Errorf("%w: %s (%s)", ErrIncomplete, res.Status, res.Detail)
	}
	return res, nil
}

// publishReport prints the report and uploads it when a report URI is set.
func (c *Coordinator) publishReport(ctx context.Context, verification *metrics.Verification) error {
	report := c.deps.Metrics.GenerateReport(verification)
	fmt.Fprintln(c.deps.Out, report)

	if c.cfg.ReportS3URI == "" || c.deps.ReportUploader == nil {
		return nil
	}
	if err := c.deps.ReportUploader.UploadReport(ctx, c.cfg.ReportS3URI, report); err != nil {
		return fmt.Errorf("failed to upload report: %w", err)
	}
	fmt.Fprintf(c.deps.Out, "Report uploaded to %s\n", c.cfg.ReportS3URI)
	return nil
}

// resume returns a handle for a checkpointed statement of the same
// transfer, or nil when a fresh submission is needed.
func (c *Coordinator) resume(ctx context.Context, req tracker.Request) (*tracker.Handle, error) {
	state, err := c.deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if state.Empty() {
		return nil, nil
	}
	if !state.Matches(req.Direction.String(), req.QualifiedTable(), req.StoragePath) {
		log.WithField("transfer_id", state.HandleID).Warn("checkpoint belongs to a different transfer, submitting a new statement")
		return nil, nil
	}
	if !state.Resumable() {
		log.WithFields(log.Fields{
			"transfer_id": state.HandleID,
			"status":      state.Status,
		}).Info("checkpointed transfer already finished, submitting a new statement")
		return nil, nil
	}

	h, err := c.deps.Tracker.Resume(req, tracker.Prior{
		HandleID:    state.HandleID,
		StatementID: state.StatementID,
		SubmittedAt: state.SubmittedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resume transfer %s: %w", state.HandleID, err)
	}
	return h, nil
}

// submit runs the pre-steps, triggers the statement and waits for its
// submission to be signalled.
func (c *Coordinator) submit(ctx context.Context, req tracker.Request) (*tracker.Handle, error) {
	if err := c.prepare(ctx, req); err != nil {
		return nil, err
	}

	h, err := c.deps.Tracker.Trigger(ctx, req)
	if err != nil {
		return nil, err
	}

	if !c.deps.Tracker.AwaitCompletion(ctx, h, c.cfg.EffectiveAwaitTimeout()) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("interrupted while waiting for submission of %s: %w", h.ID(), err)
		}
		log.WithField("transfer_id", h.ID()).Warn("submission not signalled yet, polling will keep waiting")
		return h, nil
	}

	if _, ok := h.StatementID(); ok {
		c.saveCheckpoint(ctx, h, tracker.StatusRunning, "")
	}
	return h, nil
}

// prepare checks permissions, clears an export prefix when asked and
// validates the manifest of a manifest COPY.
func (c *Coordinator) prepare(ctx context.Context, req tracker.Request) error {
	if c.deps.Preflight != nil && !c.cfg.SkipPreflight {
		err := c.deps.Preflight.Run(ctx, preflight.Check{
			Direction:      req.Direction,
			StoragePath:    req.StoragePath,
			CredentialRole: req.CredentialRole,
			ClearPrefix:    c.cfg.ClearPrefix,
		})
		if err != nil {
			return fmt.Errorf("preflight failed: %w", err)
		}
	}

	if req.Direction == tracker.Export && c.cfg.ClearPrefix {
		if c.deps.Inventory == nil {
			return fmt.Errorf("clear-prefix requested without a storage inventory")
		}
		bucket, prefix, err := storage.ParseURI(req.StoragePath)
		if err != nil {
			return err
		}
		if _, err := c.deps.Inventory.ClearPrefix(ctx, bucket, prefix); err != nil {
			return err
		}
	}

	if req.Direction == tracker.Import && req.Manifest && c.deps.Manifest != nil {
		m, err := c.deps.Manifest.Load(ctx, req.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to load import manifest: %w", err)
		}
		if len(m.Entries) == 0 {
			return fmt.Errorf("import manifest %s lists no files", req.StoragePath)
		}
		if err := c.deps.Manifest.Verify(ctx, m); err != nil {
			return fmt.Errorf("import manifest check failed: %w", err)
		}
	}
	return nil
}

// verify compares a completed transfer with the storage path. Manifests
// are checked entry by entry; otherwise the objects under the prefix are
// counted, and line-oriented exports have their rows counted too.
func (c *Coordinator) verify(ctx context.Context, req tracker.Request) (*metrics.Verification, error) {
	if req.Manifest && c.deps.Manifest != nil {
		uri := req.StoragePath
		if req.Direction == tracker.Export {
			uri = unloadManifestURI(req.StoragePath)
		}
		m, err := c.deps.Manifest.Load(ctx, uri)
		if err != nil {
			return nil, err
		}
		if err := c.deps.Manifest.Verify(ctx, m); err != nil {
			return nil, err
		}
		t := m.Totals()
		return &metrics.Verification{Files: int64(t.Files), Rows: t.Rows, Bytes: t.Bytes}, nil
	}

	if c.deps.Inventory == nil {
		return nil, nil
	}
	bucket, prefix, err := storage.ParseURI(req.StoragePath)
	if err != nil {
		return nil, err
	}
	objects, err := c.deps.Inventory.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if req.Direction == tracker.Export && len(objects) == 0 {
		return nil, fmt.Errorf("no objects under %s", req.StoragePath)
	}

	v := &metrics.Verification{Files: int64(len(objects)), Bytes: storage.TotalSize(objects)}
	if req.Direction == tracker.Export && req.Format.LineOriented() {
		rows, err := c.deps.Inventory.CountLines(ctx, bucket, objects)
		if err != nil {
			return nil, err
		}
		v.Rows = rows
	}
	return v, nil
}

// unloadManifestURI is where UNLOAD ... MANIFEST writes its manifest: the
// destination prefix with "manifest" appended.
func unloadManifestURI(prefix string) string {
	return prefix + "manifest"
}

// saveCheckpoint persists h. Failures are logged; they only cost the
// ability to resume.
func (c *Coordinator) saveCheckpoint(ctx context.Context, h *tracker.Handle, status tracker.Status, detail string) {
	id, ok := h.StatementID()
	if !ok {
		return
	}
	req := h.Request()
	state := checkpoint.State{
		HandleID:    h.ID(),
		Direction:   req.Direction.String(),
		Table:       req.QualifiedTable(),
		StoragePath: req.StoragePath,
		StatementID: id,
		SubmittedAt: h.SubmittedAt(),
		Status:      status.String(),
		Detail:      detail,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := c.deps.Store.Save(context.WithoutCancel(ctx), state); err != nil {
		log.WithError(err).WithField("transfer_id", h.ID()).Warn("failed to save checkpoint")
	}
}

// reportProgress periodically logs how long the transfer has been running.
func (c *Coordinator) reportProgress(ctx context.Context, h *tracker.Handle) {
	ticker := time.NewTicker(c.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r := c.deps.Metrics.GenerateReport(nil)
			entry := log.WithFields(log.Fields{
				"transfer_id":      h.ID(),
				"elapsed":          time.Since(h.SubmittedAt()).Round(time.Second).String(),
				"polls":            r.Polls,
				"transient_errors": r.TransientErrors,
			})
			if id, ok := h.StatementID(); ok {
				entry = entry.WithField("statement_id", id)
			}
			entry.Info("transfer in progress")
		case <-ctx.Done():
			return
		}
	}
}
