// Package ingest drives paged, checkpointed ingestion of product rows into
// the vector store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/vectorstore"
	"github.com/hyperjump/prodvec/pkg/utils"
)

var (
	// ErrIngestionHalted is returned when a page keeps failing after all retries.
	ErrIngestionHalted = errors.New("ingest: halted after repeated page failures")
	// ErrAlreadyRunning is returned when a run is requested while one is active.
	ErrAlreadyRunning = errors.New("ingest: a run is already in progress")
)

// RowSource serves rows in a stable order by offset. An empty page means
// there are no more rows.
type RowSource interface {
	FetchPage(ctx context.Context, offset, limit int) ([]models.ProductRow, error)
}

// Store is the part of the vector store the driver needs.
type Store interface {
	AddDocuments(ctx context.Context, docs []models.Document) (int, error)
	SaveAt(path string, c vectorstore.Cursor) bool
	Load(path string) bool
	Cursor() (vectorstore.Cursor, bool)
	Reset() error
	Len() int
}

// Options configures a Driver.
type Options struct {
	PageSize        int
	BatchSize       int
	CheckpointEvery int
	SaveEvery       int
	MaxRetries      int
	RetryDelay      time.Duration
	SavePath        string // snapshot base path; empty disables saving
	SourceTag       string // metadata source for rows that carry none
}

func (o *Options) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 5000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 1000
	}
	if o.SaveEvery <= 0 {
		o.SaveEvery = 10000
	}
	// Zero means the default; a negative value disables retries.
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	} else if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SourceTag == "" {
		o.SourceTag = "products"
	}
}

// Result summarizes a run.
type Result struct {
	RunID     string `json:"run_id"`
	Offset    int    `json:"offset"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Pages     int    `json:"pages"`
	Retries   int    `json:"retries"`
	Completed bool   `json:"completed"`
}

// Run states reported by Status.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Status is the live view of the current or last run.
type Status struct {
	State      string     `json:"state"`
	Result     Result     `json:"result"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Driver pulls pages from a RowSource, embeds them into a Store in
// sub-batches and checkpoints progress so a restarted process resumes where
// the last one stopped.
type Driver struct {
	store       Store
	source      RowSource
	checkpoints *CheckpointManager
	opts        Options
	logger      *zap.Logger

	runMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// NewDriver creates a driver. logger may be nil.
func NewDriver(store Store, source RowSource, checkpoints *CheckpointManager, opts Options, logger *zap.Logger) *Driver {
	opts.setDefaults()
	return &Driver{
		store:       store,
		source:      source,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      utils.OrNop(logger),
		status:      Status{State: StateIdle},
	}
}

// Status returns the state of the current or most recent run.
func (d *Driver) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

// Start launches Run in the background. It fails with ErrAlreadyRunning when
// a run is active.
func (d *Driver) Start(ctx context.Context) error {
	if !d.runMu.TryLock() {
		return ErrAlreadyRunning
	}
	d.begin()
	go func() {
		defer d.runMu.Unlock()
		_, _ = d.run(ctx)
	}()
	return nil
}

// Run ingests until the source is exhausted, the context is cancelled, or a
// page fails more than MaxRetries times in a row.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	if !d.runMu.TryLock() {
		return Result{}, ErrAlreadyRunning
	}
	defer d.runMu.Unlock()
	d.begin()
	return d.run(ctx)
}

// Wait blocks until no run is active. A cancelled run returns once its
// current sub-batch is stored and its position saved.
func (d *Driver) Wait() {
	d.runMu.Lock()
	d.runMu.Unlock()
}

func (d *Driver) begin() {
	now := time.Now()
	d.statusMu.Lock()
	d.status = Status{State: StateRunning, StartedAt: &now}
	d.statusMu.Unlock()
}

func (d *Driver) run(ctx context.Context) (Result, error) {
	r := &runner{Driver: d, res: Result{RunID: uuid.NewString()}}
	r.log = d.logger.With(zap.String("run_id", r.res.RunID))
	err := r.execute(ctx)

	now := time.Now()
	d.statusMu.Lock()
	d.status.Result = r.res
	d.status.FinishedAt = &now
	switch {
	case err == nil:
		d.status.State = StateCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		d.status.State = StateCancelled
		d.status.Error = err.Error()
	default:
		d.status.State = StateFailed
		d.status.Error = err.Error()
	}
	d.statusMu.Unlock()
	return r.res, err
}

// runner holds the mutable state of one run.
type runner struct {
	*Driver
	log *zap.Logger
	res Result

	// durable is the position the last snapshot (or the run start) covers.
	// After a page failure the store is restored to it and the run rewinds.
	durableOffset    int
	durableProcessed int
	durableSkipped   int
	haveSnapshot     bool

	failOffset int
	failCount  int

	sinceCheckpoint int
	sinceSave       int
}

func (r *runner) execute(ctx context.Context) error {
	cp, found := r.checkpoints.Load()
	if found {
		r.res.Offset, r.res.Processed = cp.Offset, cp.Processed
		r.log.Info("Resuming ingestion from checkpoint",
			zap.Int("offset", cp.Offset),
			zap.Int("processed", cp.Processed),
			zap.String("previous_status", cp.Status))
		if err := r.resumeSnapshot(cp); err != nil {
			return err
		}
	} else {
		r.log.Info("Starting full ingestion")
		if err := r.restart(); err != nil {
			return err
		}
	}
	r.markDurable()
	r.failOffset = -1

	err := r.loop(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.suspend()
	}
	return err
}

// resumeSnapshot loads the snapshot of the interrupted run and moves the run
// to the position it covers. Rows between that position and the checkpoint
// are read again; a snapshot that cannot be placed restarts the run.
func (r *runner) resumeSnapshot(cp Checkpoint) error {
	if r.opts.SavePath == "" || !vectorstore.SnapshotExists(r.opts.SavePath) {
		return nil
	}
	if !r.store.Load(r.opts.SavePath) {
		r.log.Warn("Snapshot could not be loaded, restarting from the first row",
			zap.String("path", r.opts.SavePath))
		return r.restart()
	}
	r.haveSnapshot = true
	c, ok := r.store.Cursor()
	switch {
	case ok:
		if c.Offset != cp.Offset {
			r.log.Info("Rewinding to the snapshot position",
				zap.Int("checkpoint_offset", cp.Offset),
				zap.Int("snapshot_offset", c.Offset))
		}
		r.res.Offset, r.res.Processed = c.Offset, c.Processed
	case r.store.Len() == cp.Processed:
		// Saved without a cursor, but the counts agree.
	default:
		r.log.Warn("Snapshot does not match the checkpoint, restarting from the first row",
			zap.Int("documents", r.store.Len()),
			zap.Int("checkpoint_processed", cp.Processed))
		return r.restart()
	}
	return nil
}

// restart empties the store, drops any snapshot and starts from row 0.
func (r *runner) restart() error {
	if err := r.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if r.opts.SavePath != "" {
		if err := vectorstore.RemoveSnapshot(r.opts.SavePath); err != nil {
			return fmt.Errorf("remove snapshot: %w", err)
		}
	}
	r.haveSnapshot = false
	r.res.Offset, r.res.Processed, r.res.Skipped = 0, 0, 0
	return nil
}

// loop returns a context error only while the store holds exactly the rows
// before r.res.Offset.
func (r *runner) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageOffset := r.res.Offset
		rows, err := r.source.FetchPage(ctx, pageOffset, r.opts.PageSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err := r.pageFailed(ctx, pageOffset, fmt.Errorf("fetch page at %d: %w", pageOffset, err)); err != nil {
				return err
			}
			continue
		}
		if len(rows) == 0 {
			return r.complete()
		}

		if err := r.processPage(ctx, pageOffset, rows); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if !errors.Is(err, ctxErr) {
					// The page failed under the cancellation.
					if rerr := r.restore(); rerr != nil {
						return rerr
					}
				}
				return ctxErr
			}
			if err := r.pageFailed(ctx, pageOffset, err); err != nil {
				return err
			}
			continue
		}

		r.res.Offset = pageOffset + len(rows)
		r.res.Pages++
		if r.failOffset >= 0 && pageOffset >= r.failOffset {
			r.failOffset, r.failCount = -1, 0
		}
		if err := r.checkpoint(); err != nil {
			return err
		}
		r.publish()
		r.log.Info("Page ingested",
			zap.Int("offset", r.res.Offset),
			zap.Int("rows", len(rows)),
			zap.Int("processed", r.res.Processed),
			zap.Int("skipped", r.res.Skipped))
	}
}

// processPage embeds one page in sub-batches. It returns a page-level error
// for anything worth retrying; individual insert failures are only logged.
// A sub-batch is never cut short by cancellation, so r.res.Offset always
// ends on a sub-batch boundary.
func (r *runner) processPage(ctx context.Context, pageOffset int, rows []models.ProductRow) error {
	for start := 0; start < len(rows); start += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+r.opts.BatchSize, len(rows))

		docs := make([]models.Document, 0, end-start)
		for _, row := range rows[start:end] {
			doc, ok := BuildDocument(row, r.opts.SourceTag)
			if !ok {
				r.res.Skipped++
				continue
			}
			docs = append(docs, doc)
		}

		added, err := r.store.AddDocuments(context.WithoutCancel(ctx), docs)
		r.res.Processed += added
		if err != nil {
			if !insertOnly(err) {
				return fmt.Errorf("sub-batch at row %d: %w", pageOffset+start, err)
			}
			r.log.Warn("Documents dropped on insert", zap.Int("row", pageOffset+start), zap.Error(err))
		}
		r.res.Skipped += len(docs) - added

		r.sinceCheckpoint += added
		r.sinceSave += added
		position := pageOffset + end
		r.res.Offset = position
		if r.opts.SavePath != "" && r.sinceSave >= r.opts.SaveEvery {
			r.save(position)
		}
		if r.sinceCheckpoint >= r.opts.CheckpointEvery {
			if err := r.checkpointAt(position, r.res.Processed); err != nil {
				return err
			}
		}
		r.publish()
	}
	return nil
}

// insertOnly reports whether err consists solely of per-document insert failures.
func insertOnly(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !errors.Is(e, vectorstore.ErrInsert) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, vectorstore.ErrInsert)
}

// save writes the snapshot at position and checkpoints the same position.
func (r *runner) save(position int) {
	r.sinceSave = 0
	if !r.store.SaveAt(r.opts.SavePath, r.cursor(position)) {
		r.log.Error("Periodic save failed", zap.Int("offset", position))
		return
	}
	r.haveSnapshot = true
	r.durableOffset = position
	r.durableProcessed = r.res.Processed
	r.durableSkipped = r.res.Skipped
	if err := r.checkpointAt(position, r.res.Processed); err != nil {
		r.log.Error("Checkpoint after save failed", zap.Error(err))
	}
}

// suspend saves the store and checkpoints the position it covers, so the
// next run continues with the first row not yet stored.
func (r *runner) suspend() {
	offset, processed := r.res.Offset, r.res.Processed
	if r.opts.SavePath != "" && r.store.Len() > 0 {
		if r.store.SaveAt(r.opts.SavePath, r.cursor(offset)) {
			r.haveSnapshot = true
		} else {
			r.log.Error("Save on cancellation failed, keeping the last durable position",
				zap.Int("offset", offset))
			offset, processed = r.durableOffset, r.durableProcessed
		}
	}
	if err := r.checkpointAt(offset, processed); err != nil {
		r.log.Error("Checkpoint on cancellation failed", zap.Error(err))
		return
	}
	r.publish()
	r.log.Info("Ingestion suspended", zap.Int("offset", offset), zap.Int("processed", processed))
}

func (r *runner) cursor(offset int) vectorstore.Cursor {
	return vectorstore.Cursor{Offset: offset, Processed: r.res.Processed}
}

func (r *runner) markDurable() {
	r.durableOffset = r.res.Offset
	r.durableProcessed = r.res.Processed
	r.durableSkipped = r.res.Skipped
}

func (r *runner) checkpoint() error {
	return r.checkpointAt(r.res.Offset, r.res.Processed)
}

func (r *runner) checkpointAt(offset, processed int) error {
	r.sinceCheckpoint = 0
	err := r.checkpoints.Save(Checkpoint{
		Offset:    offset,
		Processed: processed,
		Status:    StatusInProgress,
		RunID:     r.res.RunID,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// pageFailed restores the store to the durable position and rewinds the run.
// When the page at pageOffset has failed more than MaxRetries times it writes
// a failed checkpoint and returns ErrIngestionHalted.
func (r *runner) pageFailed(ctx context.Context, pageOffset int, cause error) error {
	if pageOffset == r.failOffset {
		r.failCount++
	} else {
		r.failOffset, r.failCount = pageOffset, 1
	}
	r.log.Warn("Page failed",
		zap.Int("offset", pageOffset),
		zap.Int("attempt", r.failCount),
		zap.Int("max_retries", r.opts.MaxRetries),
		zap.Error(cause))

	if err := r.restore(); err != nil {
		return errors.Join(cause, err)
	}

	if r.failCount > r.opts.MaxRetries {
		if r.store.Len() > 0 && r.opts.SavePath != "" && !r.store.SaveAt(r.opts.SavePath, r.cursor(r.res.Offset)) {
			r.log.Error("Save after halt failed")
		}
		err := r.checkpoints.Save(Checkpoint{
			Offset:    r.res.Offset,
			Processed: r.res.Processed,
			Status:    StatusFailed,
			Error:     cause.Error(),
			RunID:     r.res.RunID,
		})
		if err != nil {
			r.log.Error("Failed to write failure checkpoint", zap.Error(err))
		}
		r.publish()
		r.log.Error("Ingestion halted", zap.Int("offset", pageOffset), zap.Error(cause))
		return fmt.Errorf("%w: page at offset %d: %w", ErrIngestionHalted, pageOffset, cause)
	}

	r.res.Retries++
	if err := r.checkpoint(); err != nil {
		return err
	}
	r.publish()
	if r.opts.RetryDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err() // store already restored to r.res.Offset
		case <-time.After(r.opts.RetryDelay * time.Duration(r.failCount)):
		}
	}
	return nil
}

// restore resets the store, reloads the last snapshot of this run if there is
// one, and rewinds progress to the position that state covers.
func (r *runner) restore() error {
	if err := r.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if r.haveSnapshot && !r.store.Load(r.opts.SavePath) {
		return fmt.Errorf("reload snapshot %s after failure", r.opts.SavePath)
	}
	r.res.Offset = r.durableOffset
	r.res.Processed = r.durableProcessed
	r.res.Skipped = r.durableSkipped
	r.sinceCheckpoint, r.sinceSave = 0, 0
	return nil
}

func (r *runner) complete() error {
	if r.opts.SavePath != "" {
		if r.store.Len() > 0 {
			if !r.store.SaveAt(r.opts.SavePath, r.cursor(r.res.Offset)) {
				return fmt.Errorf("final save to %s failed", r.opts.SavePath)
			}
		} else {
			r.log.Warn("Ingestion finished with an empty store, nothing saved")
		}
	}
	if err := r.checkpoints.Clear(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	r.res.Completed = true
	r.publish()
	r.log.Info("Ingestion complete",
		zap.Int("rows", r.res.Offset),
		zap.Int("processed", r.res.Processed),
		zap.Int("skipped", r.res.Skipped),
		zap.Int("pages", r.res.Pages))
	return nil
}

func (r *runner) publish() {
	r.statusMu.Lock()
	r.status.Result = r.res
	r.statusMu.Unlock()
}
