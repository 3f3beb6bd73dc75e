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

package archive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/altairalabs/mailroute/internal/config"
	"github.com/altairalabs/mailroute/internal/dbsession"
	"github.com/altairalabs/mailroute/internal/routing"
	"github.com/altairalabs/mailroute/pkg/metrics"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func emailsPolicy(batch int) config.ArchivePolicyConfig {
	return config.ArchivePolicyConfig{Table: "emails", DateColumn: "created_at", RetentionDays: 30, BatchSize: batch}
}

type archiveFixture struct {
	reg     *routing.Registry
	opener  *dbsession.MemoryOpener
	primary *dbsession.MemoryStore
	archive *dbsession.MemoryStore
	mirror  *countingMirror
	metrics *metrics.ArchiveMetrics
}

func newArchiveFixture(t *testing.T, policies ...config.ArchivePolicyConfig) *archiveFixture {
	t.Helper()
	cfg := &config.Config{
		Primary:         config.EndpointConfig{URL: "mem://primary"},
		Archive:         config.EndpointConfig{URL: "mem://archive"},
		ArchivePolicies: policies,
	}
	cfg.ApplyDefaults()
	reg, err := routing.NewRegistry(cfg)
	require.NoError(t, err)

	o := dbsession.NewMemoryOpener()
	f := &archiveFixture{
		reg:     reg,
		opener:  o,
		primary: o.Store("mem://primary"),
		archive: o.Store("mem://archive"),
		metrics: metrics.NewArchiveMetricsWithRegistry(prometheus.NewRegistry()),
	}
	f.mirror = &countingMirror{inner: &MemoryMirror{Primary: f.primary, Archive: f.archive}}
	f.primary.CreateTable("emails", "id")
	return f
}

func (f *archiveFixture) engine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	e, err := NewEngine(f.reg, f.opener, f.mirror, cfg, f.metrics, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	return e
}

// seedEmails adds n emails with ids from first, each a minute older than the
// previous, starting at age.
func (f *archiveFixture) seedEmails(t *testing.T, first, n int, age time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.primary.Seed("emails", dbsession.Row{
			"id":          int64(first + i),
			"campaign_id": int64(7),
			"subject":     "hello",
			"created_at":  fixedNow.Add(-age - time.Duration(i)*time.Minute),
		}))
	}
}

func ids(rows []dbsession.Row) map[int64]bool {
	out := make(map[int64]bool, len(rows))
	for _, r := range rows {
		out[r["id"].(int64)] = true
	}
	return out
}

type countingMirror struct {
	mu    sync.Mutex
	inner Mirror
	calls map[string]int
}

func (m *countingMirror) EnsureTable(ctx context.Context, table string) (TableSchema, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[table]++
	m.mu.Unlock()
	return m.inner.EnsureTable(ctx, table)
}

func (m *countingMirror) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[table]
}

// panickingMirror panics on its first n calls and then delegates.
type panickingMirror struct {
	inner  Mirror
	panics atomic.Int32
}

func (m *panickingMirror) EnsureTable(ctx context.Context, table string) (TableSchema, error) {
	if m.panics.Add(-1) >= 0 {
		panic("mirror: nil schema")
	}
	return m.inner.EnsureTable(ctx, table)
}

type fakeLocker struct {
	mu       sync.Mutex
	heldByUs bool
	busy     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocker) TryLock(context.Context) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.busy || l.heldByUs {
		return nil, false, nil
	}
	l.heldByUs = true
	l.acquired++
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.heldByUs = false
		l.released++
		return nil
	}, true, nil
}

func (l *fakeLocker) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

// =============================================================================
// RunCycle
// =============================================================================

func TestRunCycle_ArchivesInBoundedBatches(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(1000))
	f.seedEmails(t, 1, 1500, 40*24*time.Hour)
	f.seedEmails(t, 5001, 10, 24*time.Hour)
	e := f.engine(t, DefaultConfig())
	ctx := context.Background()

	res, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.CycleID)
	assert.Equal(t, int64(1000), res.RowsArchived)
	assert.Equal(t, 1, res.BatchesProcessed)
	assert.Len(t, f.primary.Rows("emails"), 510)
	assert.Len(t, f.archive.Rows("emails"), 1000)

	// Oldest rows move first: ids 501..1500 are the oldest thousand.
	archived := ids(f.archive.Rows("emails"))
	assert.True(t, archived[1500])
	assert.True(t, archived[501])
	assert.False(t, archived[500])

	res, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.RowsArchived)
	assert.Len(t, f.archive.Rows("emails"), 1500)

	remaining := f.primary.Rows("emails")
	require.Len(t, remaining, 10)
	for id := range ids(remaining) {
		assert.GreaterOrEqual(t, id, int64(5001), "young rows stay on the primary")
	}

	res, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.RowsArchived)
	assert.Zero(t, res.BatchesProcessed)
	assert.Equal(t, 1, res.TablesProcessed)

	assert.Equal(t, 1500.0, testutil.ToFloat64(f.metrics.RowsArchivedTotal.WithLabelValues("emails")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BatchesTotal.WithLabelValues("emails")))
}

func TestRunCycle_RetentionBoundary(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(100))
	cutoff := fixedNow.AddDate(0, 0, -30)
	require.NoError(t, f.primary.Seed("emails",
		dbsession.Row{"id": int64(1), "created_at": cutoff.Add(-time.Second)},
		dbsession.Row{"id": int64(2), "created_at": cutoff},
		dbsession.Row{"id": int64(3), "created_at": cutoff.Add(time.Second)},
	))
	e := f.engine(t, DefaultConfig())

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true}, ids(f.archive.Rows("emails")))
	assert.Equal(t, map[int64]bool{2: true, 3: true}, ids(f.primary.Rows("emails")))
}

func TestRunCycle_DeleteFailureRollsBackBoth(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(1000))
	f.seedEmails(t, 1, 5, 60*24*time.Hour)
	e := f.engine(t, DefaultConfig())
	ctx := context.Background()

	boom := errors.New("delete failed")
	f.primary.FailNext(dbsession.MemOpDelete, boom)

	res, err := e.RunCycle(ctx)
	require.ErrorIs(t, err, boom)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpDelete, se.Op)
	assert.Equal(t, "emails", se.Table)
	assert.Len(t, res.Errors, 1)

	assert.Len(t, f.primary.Rows("emails"), 5)
	assert.Empty(t, f.archive.Rows("emails"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("emails", OpDelete)))

	res, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RowsArchived)
	assert.Zero(t, res.RowsAlreadyArchived)
	assert.Empty(t, f.primary.Rows("emails"))
	assert.Len(t, f.archive.Rows("emails"), 5)
}

func TestRunCycle_CopyFailureRollsBackBoth(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(1000))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	e := f.engine(t, DefaultConfig())

	f.archive.FailNext(dbsession.MemOpInsert, errors.New("disk full"))

	_, err := e.RunCycle(context.Background())
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpCopy, se.Op)
	assert.Len(t, f.primary.Rows("emails"), 3)
	assert.Empty(t, f.archive.Rows("emails"))
}

func TestRunCycle_PrimaryCommitFailureRetriesIdempotently(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(1000))
	f.seedEmails(t, 1, 5, 60*24*time.Hour)
	e := f.engine(t, DefaultConfig())
	ctx := context.Background()

	f.primary.FailNext(dbsession.MemOpCommit, errors.New("connection reset"))

	_, err := e.RunCycle(ctx)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpCommitPrimary, se.Op)
	// The archive side committed; the primary kept its rows.
	assert.Len(t, f.archive.Rows("emails"), 5)
	assert.Len(t, f.primary.Rows("emails"), 5)

	res, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RowsArchived)
	assert.Equal(t, int64(5), res.RowsAlreadyArchived)
	assert.Len(t, f.archive.Rows("emails"), 5, "re-copied rows must not duplicate")
	assert.Empty(t, f.primary.Rows("emails"))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.RowsSkippedTotal.WithLabelValues("emails")))
}

func TestRunCycle_DryRun(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(1000))
	f.seedEmails(t, 1, 5, 60*24*time.Hour)
	cfg := DefaultConfig()
	cfg.DryRun = true
	e := f.engine(t, cfg)

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.RowsSelected)
	assert.Zero(t, res.RowsArchived)
	assert.Len(t, f.primary.Rows("emails"), 5)
	assert.Empty(t, f.archive.Rows("emails"))
	assert.Zero(t, f.primary.Commits())
}

func TestRunCycle_MirrorFailureSkipsTable(t *testing.T) {
	missing := config.ArchivePolicyConfig{Table: "missing", DateColumn: "created_at", RetentionDays: 1, BatchSize: 10}
	f := newArchiveFixture(t, missing, emailsPolicy(1000))
	f.seedEmails(t, 1, 2, 60*24*time.Hour)
	e := f.engine(t, DefaultConfig())

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"missing"}, res.TablesSkipped)
	assert.Equal(t, 1, res.TablesProcessed)
	assert.Len(t, f.archive.Rows("emails"), 2)
	require.Len(t, res.Errors, 1)
	var se *StepError
	require.ErrorAs(t, res.Errors[0], &se)
	assert.Equal(t, OpEnsureMirror, se.Op)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("missing", OpEnsureMirror)))
}

func TestRunCycle_TableWithoutPrimaryKeyIsSkipped(t *testing.T) {
	logs := config.ArchivePolicyConfig{Table: "audit_logs", DateColumn: "created_at", RetentionDays: 1, BatchSize: 10}
	f := newArchiveFixture(t, logs)
	f.primary.CreateTable("audit_logs")
	e := f.engine(t, DefaultConfig())

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrNoPrimaryKey)
	assert.False(t, f.archive.HasTable("audit_logs"))
}

func TestRunCycle_MirrorEnsuredOncePerTable(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	e := f.engine(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RunCycle(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.mirror.count("emails"))
	assert.True(t, f.archive.HasTable("emails"))
}

func TestRunCycle_OpenFailureIsCycleError(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	e := f.engine(t, DefaultConfig())

	refused := errors.New("connection refused")
	f.opener.FailOpen("mem://archive", refused)

	_, err := e.RunCycle(context.Background())
	require.ErrorIs(t, err, refused)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpOpenArchive, se.Op)
	assert.Len(t, f.primary.Rows("emails"), 3)
}

func TestRunCycle_ShutdownStopsBeforeNextTable(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	e := f.engine(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TablesProcessed)
	assert.Len(t, f.primary.Rows("emails"), 3)

	e.Stop()
	res, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.TablesProcessed)
}

func TestRunCycle_SequentialTables(t *testing.T) {
	events := config.ArchivePolicyConfig{Table: "email_events", DateColumn: "created_at", RetentionDays: 7, BatchSize: 10}
	f := newArchiveFixture(t, emailsPolicy(10), events)
	f.primary.CreateTable("email_events", "email_id", "seq")
	f.seedEmails(t, 1, 2, 60*24*time.Hour)
	require.NoError(t, f.primary.Seed("email_events",
		dbsession.Row{"email_id": int64(1), "seq": 1, "created_at": fixedNow.AddDate(0, 0, -10)},
		dbsession.Row{"email_id": int64(1), "seq": 2, "created_at": fixedNow.AddDate(0, 0, -10)},
		dbsession.Row{"email_id": int64(1), "seq": 3, "created_at": fixedNow},
	))
	e := f.engine(t, DefaultConfig())

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.TablesProcessed)
	assert.Equal(t, int64(4), res.RowsArchived)
	assert.Len(t, f.archive.Rows("email_events"), 2)
	assert.Len(t, f.primary.Rows("email_events"), 1)
}

// =============================================================================
// Run loop
// =============================================================================

func fastConfig() Config {
	return Config{Schedule: "@every 1h", PollInterval: 5 * time.Millisecond, ErrorBackoff: 20 * time.Millisecond}
}

func runAsync(e *Engine, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func TestRun_ExitsOnCancel(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	e := f.engine(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(e, ctx)

	require.Eventually(t, func() bool { return len(f.archive.Rows("emails")) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ExitsOnStop(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	e := f.engine(t, fastConfig())

	done := runAsync(e, context.Background())
	require.Eventually(t, func() bool { return f.mirror.count("emails") == 1 }, time.Second, 5*time.Millisecond)
	e.Stop()
	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRun_BacksOffAfterFailedCycle(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	f.opener.FailOpen("mem://primary", errors.New("connection refused"))
	e := f.engine(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(e, ctx)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("emails", OpOpenPrimary)) >= 1
	}, time.Second, 5*time.Millisecond)
	f.opener.FailOpen("mem://primary", nil)

	// The retry comes after ErrorBackoff, long before the hourly schedule.
	require.Eventually(t, func() bool { return len(f.archive.Rows("emails")) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRun_SkipsCycleWhenLockHeld(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	locker := &fakeLocker{busy: true}
	e := f.engine(t, fastConfig(), WithLocker(locker))

	require.NoError(t, e.runLocked(context.Background()))
	assert.Len(t, f.primary.Rows("emails"), 3)
	assert.Zero(t, f.mirror.count("emails"))

	locker.busy = false
	require.NoError(t, e.runLocked(context.Background()))
	assert.Empty(t, f.primary.Rows("emails"))
	acquired, released := locker.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

func TestRun_LockErrorIsCycleFailure(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	boom := errors.New("redis down")
	e := f.engine(t, fastConfig(), WithLocker(&fakeLocker{err: boom}))

	assert.ErrorIs(t, e.runLocked(context.Background()), boom)
}

func TestRun_RecoversFromPanic(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	pm := &panickingMirror{inner: f.mirror.inner}
	pm.panics.Store(1)
	f.mirror.inner = pm
	locker := &fakeLocker{}
	e := f.engine(t, fastConfig(), WithLocker(locker))

	err := e.runLocked(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle panic")
	_, released := locker.counts()
	assert.Equal(t, 1, released)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(e, ctx)
	require.Eventually(t, func() bool { return len(f.archive.Rows("emails")) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRun_PanicInRunBacksOff(t *testing.T) {
	f := newArchiveFixture(t, emailsPolicy(10))
	f.seedEmails(t, 1, 3, 60*24*time.Hour)
	pm := &panickingMirror{inner: f.mirror.inner}
	pm.panics.Store(2)
	f.mirror.inner = pm
	e := f.engine(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(e, ctx)
	require.Eventually(t, func() bool { return len(f.archive.Rows("emails")) == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.primary.Rows("emails"))
	cancel()
	require.NoError(t, <-done)
}

func TestUntilNextRun(t *testing.T) {
	f := newArchiveFixture(t)
	e := f.engine(t, Config{Schedule: "0 3 * * *"})
	want := e.schedule.Next(fixedNow).Sub(fixedNow)
	assert.Equal(t, want, e.untilNextRun())
	assert.LessOrEqual(t, e.untilNextRun(), 24*time.Hour)

	e = f.engine(t, DefaultConfig())
	assert.Equal(t, time.Hour, e.untilNextRun())
}

// =============================================================================
// Construction
// =============================================================================

func TestNewEngine_Errors(t *testing.T) {
	cfg := &config.Config{Primary: config.EndpointConfig{URL: "mem://primary"}}
	cfg.ApplyDefaults()
	reg, err := routing.NewRegistry(cfg)
	require.NoError(t, err)

	_, err = NewEngine(reg, dbsession.NewMemoryOpener(), nil, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, routing.ErrNoArchiveEndpoint)

	f := newArchiveFixture(t)
	_, err = NewEngine(f.reg, f.opener, f.mirror, Config{Schedule: "whenever"}, nil, nil)
	assert.ErrorContains(t, err, "parsing schedule")
}

func TestNewEngine_Defaults(t *testing.T) {
	f := newArchiveFixture(t)
	e, err := NewEngine(f.reg, f.opener, f.mirror, Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), e.cfg)
}

func TestConfigFrom(t *testing.T) {
	c := ConfigFrom(config.ArchiverConfig{
		Schedule:     "*/5 * * * *",
		PollInterval: config.Duration{Duration: 10 * time.Second},
		DryRun:       true,
	})
	assert.Equal(t, "*/5 * * * *", c.Schedule)
	assert.Equal(t, 10*time.Second, c.PollInterval)
	assert.Equal(t, 5*time.Minute, c.ErrorBackoff)
	assert.True(t, c.DryRun)
}
