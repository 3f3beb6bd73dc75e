/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archive moves aged rows from the primary store into the archive
// store in bounded batches. Each batch is copied, deleted from the primary
// and committed on both sides; any failure rolls both sides back and the
// batch is retried on a later cycle.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/altairalabs/mailroute/internal/config"
	"github.com/altairalabs/mailroute/internal/dbsession"
	"github.com/altairalabs/mailroute/internal/routing"
	"github.com/altairalabs/mailroute/pkg/logctx"
	"github.com/altairalabs/mailroute/pkg/metrics"
)

// Config tunes the archiving loop.
type Config struct {
	// Schedule is a cron spec or descriptor for cycle start times.
	Schedule string
	// PollInterval bounds how long the loop sleeps before rechecking shutdown.
	PollInterval time.Duration
	// ErrorBackoff replaces the schedule wait after a failed cycle.
	ErrorBackoff time.Duration
	// DryRun selects and logs eligible rows without moving them.
	DryRun bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:     "@every 1h",
		PollInterval: time.Minute,
		ErrorBackoff: 5 * time.Minute,
	}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.ArchiverConfig) Config {
	cfg := DefaultConfig()
	if c.Schedule != "" {
		cfg.Schedule = c.Schedule
	}
	if c.PollInterval.Duration > 0 {
		cfg.PollInterval = c.PollInterval.Duration
	}
	if c.ErrorBackoff.Duration > 0 {
		cfg.ErrorBackoff = c.ErrorBackoff.Duration
	}
	cfg.DryRun = c.DryRun
	return cfg
}

// Result summarises one archive cycle.
type Result struct {
	CycleID          string
	TablesProcessed  int
	TablesSkipped    []string
	BatchesProcessed int
	// RowsSelected counts eligible rows, including dry-run selections.
	RowsSelected int64
	// RowsArchived counts rows removed from the primary store.
	RowsArchived int64
	// RowsAlreadyArchived counts rows that were already present in the
	// archive store from an earlier, partially committed batch.
	RowsAlreadyArchived int64
	Errors              []error
}

// StepError reports which step of a batch failed.
type StepError struct {
	Table string
	Op    string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("archive: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Batch steps, used in StepError.Op and as the metrics operation label.
const (
	OpEnsureMirror  = "ensure_mirror"
	OpOpenPrimary   = "open_primary"
	OpOpenArchive   = "open_archive"
	OpSelect        = "select"
	OpCopy          = "copy"
	OpDelete        = "delete"
	OpCommitArchive = "commit_archive"
	OpCommitPrimary = "commit_primary"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLocker makes every cycle run under l. Cycles are skipped while another
// holder has the lock.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the time source used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine performs batched primary→archive moves. RunCycle and Run must not
// be called concurrently on the same engine.
type Engine struct {
	reg      *routing.Registry
	opener   dbsession.Opener
	mirror   Mirror
	locker   Locker
	cfg      Config
	schedule cron.Schedule
	metrics  *metrics.ArchiveMetrics
	log      *zap.SugaredLogger
	now      func() time.Time

	ensured map[string]TableSchema

	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an archive engine. The registry must define an archive
// endpoint.
func NewEngine(
	reg *routing.Registry,
	opener dbsession.Opener,
	mirror Mirror,
	cfg Config,
	m *metrics.ArchiveMetrics,
	log *zap.SugaredLogger,
	opts ...Option,
) (*Engine, error) {
	if _, err := reg.Archive(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("archive: parsing schedule %q: %w", cfg.Schedule, err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{
		reg:      reg,
		opener:   opener,
		mirror:   mirror,
		cfg:      cfg,
		schedule: schedule,
		metrics:  m,
		log:      log,
		now:      time.Now,
		ensured:  make(map[string]TableSchema),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Stop asks Run to return after the batch in flight.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// Run executes cycles on the schedule until ctx is cancelled or Stop is
// called. A failed cycle is followed by ErrorBackoff instead of the regular
// wait.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Infow("archiver started",
		"schedule", e.cfg.Schedule,
		"tables", len(e.reg.ArchivePolicies()),
		"dryRun", e.cfg.DryRun)

	for !e.stopping(ctx) {
		err := e.runLocked(ctx)
		wait := e.untilNextRun()
		if err != nil {
			e.log.Errorw("archive cycle failed, backing off", "error", err, "backoff", e.cfg.ErrorBackoff)
			wait = e.cfg.ErrorBackoff
		}
		if !e.sleep(ctx, wait) {
			break
		}
	}
	e.log.Info("archiver stopped")
	return nil
}

// runLocked runs one cycle under the archive lock. A panic inside the cycle
// is returned as an error so Run backs off and retries.
func (e *Engine) runLocked(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("archive: cycle panic: %v", p)
		}
	}()
	if e.locker == nil {
		_, err := e.RunCycle(ctx)
		return err
	}
	unlock, ok, err := e.locker.TryLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Info("archive lock held elsewhere, skipping cycle")
		return nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			e.log.Warnw("releasing archive lock failed", "error", err)
		}
	}()
	_, err = e.RunCycle(ctx)
	return err
}

func (e *Engine) untilNextRun() time.Duration {
	now := e.now()
	return e.schedule.Next(now).Sub(now)
}

// sleep waits d in PollInterval slices. It returns false on shutdown.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		step := min(d, e.cfg.PollInterval)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-e.stop:
			t.Stop()
			return false
		case <-t.C:
		}
		d -= step
	}
	return !e.stopping(ctx)
}

// RunCycle archives at most one batch per policy, in configuration order.
// A table whose mirror cannot be ensured is skipped. Any batch failure ends
// the cycle with an error after both sides are rolled back.
func (e *Engine) RunCycle(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{CycleID: uuid.NewString()}
	ctx = logctx.WithCycleID(ctx, res.CycleID)
	log := logctx.SugaredWithContext(e.log, ctx)
	defer e.recordCycle(start)

	policies := e.reg.ArchivePolicies()
	log.Infow("starting archive cycle", "tables", len(policies), "dryRun", e.cfg.DryRun)

	for _, p := range policies {
		if e.stopping(ctx) {
			log.Info("shutdown requested, ending archive cycle early")
			break
		}
		tctx := logctx.WithTable(ctx, p.Table)

		schema, err := e.ensureMirror(tctx, p.Table)
		if err != nil {
			log.Errorw("archive table unavailable, skipping", "table", p.Table, "error", err)
			e.recordError(p.Table, OpEnsureMirror)
			res.TablesSkipped = append(res.TablesSkipped, p.Table)
			res.Errors = append(res.Errors, &StepError{Table: p.Table, Op: OpEnsureMirror, Err: err})
			continue
		}

		// The batch runs to completion once started.
		b, err := e.archiveBatch(context.WithoutCancel(tctx), p, schema.PrimaryKey)
		if err != nil {
			var se *StepError
			if errors.As(err, &se) {
				e.recordError(p.Table, se.Op)
			}
			res.Errors = append(res.Errors, err)
			return res, err
		}

		res.TablesProcessed++
		res.RowsSelected += b.selected
		if b.archived > 0 || b.alreadyArchived > 0 {
			res.BatchesProcessed++
			res.RowsArchived += b.archived
			res.RowsAlreadyArchived += b.alreadyArchived
			if e.metrics != nil {
				e.metrics.RecordBatch(p.Table, b.archived, b.alreadyArchived)
			}
		}
	}

	log.Infow("archive cycle complete",
		"tablesProcessed", res.TablesProcessed,
		"tablesSkipped", len(res.TablesSkipped),
		"rowsArchived", res.RowsArchived,
		"rowsAlreadyArchived", res.RowsAlreadyArchived,
		"duration", time.Since(start))
	return res, nil
}

func (e *Engine) ensureMirror(ctx context.Context, table string) (TableSchema, error) {
	if s, ok := e.ensured[table]; ok {
		return s, nil
	}
	s, err := e.mirror.EnsureTable(ctx, table)
	if err != nil {
		return TableSchema{}, err
	}
	if len(s.PrimaryKey) == 0 {
		return TableSchema{}, fmt.Errorf("%w: %q", ErrNoPrimaryKey, table)
	}
	e.ensured[table] = s
	return s, nil
}

type batchResult struct {
	selected        int64
	archived        int64
	alreadyArchived int64
}

func (e *Engine) archiveBatch(ctx context.Context, p routing.ArchivePolicy, pk []string) (b batchResult, err error) {
	log := logctx.SugaredWithContext(e.log, ctx)
	fail := func(op string, err error) error {
		return &StepError{Table: p.Table, Op: op, Err: err}
	}

	archiveEP, err := e.reg.Archive()
	if err != nil {
		return b, fail(OpOpenArchive, err)
	}
	primary, err := e.opener.Open(ctx, e.reg.Primary())
	if err != nil {
		return b, fail(OpOpenPrimary, err)
	}
	defer closeSession(ctx, primary, log)
	archive, err := e.opener.Open(ctx, archiveEP)
	if err != nil {
		return b, fail(OpOpenArchive, err)
	}
	defer closeSession(ctx, archive, log)

	defer func() {
		if err == nil {
			return
		}
		if rbErr := errors.Join(archive.Rollback(ctx), primary.Rollback(ctx)); rbErr != nil {
			log.Warnw("rollback after failed batch", "error", rbErr)
		}
	}()

	cutoff := e.now().AddDate(0, 0, -p.RetentionDays)
	rows, err := primary.Find(ctx, dbsession.Query{
		Table:   p.Table,
		Filters: []dbsession.Filter{dbsession.Lt(p.DateColumn, cutoff)},
		OrderBy: []string{p.DateColumn},
		Limit:   p.BatchSize,
	})
	if err != nil {
		return b, fail(OpSelect, err)
	}
	b.selected = int64(len(rows))
	if len(rows) == 0 {
		log.Debugw("no rows to archive", "cutoff", cutoff)
		return b, primary.Rollback(ctx)
	}

	if e.cfg.DryRun {
		log.Infow("dry-run: would archive rows", "count", len(rows), "cutoff", cutoff, "keys", keysOf(rows, pk))
		return b, primary.Rollback(ctx)
	}

	for _, row := range rows {
		n, err := archive.Insert(ctx, p.Table, row, dbsession.IgnoreConflicts())
		if err != nil {
			return b, fail(OpCopy, err)
		}
		if n == 0 {
			b.alreadyArchived++
		}
	}
	for _, key := range keysOf(rows, pk) {
		if _, err := primary.Delete(ctx, p.Table, key); err != nil {
			return b, fail(OpDelete, err)
		}
	}

	if err := archive.Commit(ctx); err != nil {
		return b, fail(OpCommitArchive, err)
	}
	if err := primary.Commit(ctx); err != nil {
		return b, fail(OpCommitPrimary, err)
	}

	b.archived = int64(len(rows))
	if b.alreadyArchived > 0 {
		log.Warnw("rows were already present in archive", "count", b.alreadyArchived)
	}
	log.Infow("archived batch", "rows", len(rows), "cutoff", cutoff)
	return b, nil
}

func keysOf(rows []dbsession.Row, pk []string) []dbsession.Row {
	keys := make([]dbsession.Row, len(rows))
	for i, r := range rows {
		k := make(dbsession.Row, len(pk))
		for _, c := range pk {
			k[c] = r[c]
		}
		keys[i] = k
	}
	return keys
}

func closeSession(ctx context.Context, s dbsession.Session, log *zap.SugaredLogger) {
	if err := s.Close(ctx); err != nil {
		log.Warnw("closing session", "endpoint", s.Endpoint().Name(), "error", err)
	}
}

func (e *Engine) recordError(table, op string) {
	if e.metrics != nil {
		e.metrics.RecordError(table, op)
	}
}

func (e *Engine) recordCycle(start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordCycle(time.Since(start))
	}
}
