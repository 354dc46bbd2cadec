package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.SchedulerLock{}))
	return db
}

func TestLeaseIsExclusiveUntilExpiry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := NewLease(db, SweepLockName, time.Hour)
	b := NewLease(db, SweepLockName, time.Hour)
	a.now, b.now = clock, clock

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the holder can renew")

	now = now.Add(2 * time.Hour)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	var lock models.SchedulerLock
	require.NoError(t, db.First(&lock, "name = ?", SweepLockName).Error)
	assert.Equal(t, b.Owner(), lock.Owner)

	require.NoError(t, b.Release(ctx))
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

type countingJob struct {
	runs int
	err  error
}

func (j *countingJob) Run(context.Context) (services.SweepReport, error) {
	j.runs++
	return services.SweepReport{Overdue: j.runs}, j.err
}

func TestTickSkipsWithoutLease(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	other := NewLease(db, SweepLockName, time.Hour)
	ok, err := other.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	job := &countingJob{}
	s := New(db, job)
	assert.False(t, s.Tick(ctx))
	assert.Zero(t, job.runs)

	require.NoError(t, other.Release(ctx))
	assert.True(t, s.Tick(ctx))
	assert.Equal(t, 1, job.runs)

	job.err = errors.New("boom")
	assert.True(t, s.Tick(ctx))
	assert.Equal(t, 2, job.runs)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(testDB(t), &countingJob{})
	assert.Error(t, s.Start("every now and then"))
}

type blockingJob struct {
	started chan struct{}
	release chan struct{}
}

func (j *blockingJob) Run(context.Context) (services.SweepReport, error) {
	close(j.started)
	<-j.release
	return services.SweepReport{}, nil
}

func TestRunNowRespectsLeaseAndRunningSweep(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	other := NewLease(db, SweepLockName, time.Hour)
	ok, err := other.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	job := &blockingJob{started: make(chan struct{}), release: make(chan struct{})}
	s := New(db, job)
	_, err = s.RunNow(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, services.KindConflict, services.KindOf(err))

	require.NoError(t, other.Release(ctx))
	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(ctx)
		done <- err
	}()
	<-job.started

	_, err = s.RunNow(ctx)
	assert.ErrorIs(t, err, ErrBusy, "a manual run waits for the scheduled one")
	assert.False(t, s.Tick(ctx))

	close(job.release)
	require.NoError(t, <-done)
}
