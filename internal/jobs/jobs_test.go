// internal/jobs/jobs_test.go
package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/services"
)

type fakeLock struct {
	held     bool
	acquires int
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	f.acquires++
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.releases++
	f.held = false
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

type memoryStore struct {
	values map[string]string
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func TestRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	ok := &testJob{name: "ok"}
	failing := &testJob{name: "failing", err: errors.New("boom")}
	lock := &fakeLock{}
	service, err := NewService(ServiceParams{
		Registry: NewRegistry(failing, nil, ok),
		Lock:     lock,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	require.NoError(t, service.RunOnce(context.Background()))
	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, failing.runs)
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "job"}
	lock := &fakeLock{held: true}
	service, err := NewService(ServiceParams{Registry: NewRegistry(job), Lock: lock})
	require.NoError(t, err)

	require.NoError(t, service.RunOnce(context.Background()))
	assert.Zero(t, job.runs)
	assert.Zero(t, lock.releases)
}

func TestNewServiceRequiresLock(t *testing.T) {
	_, err := NewService(ServiceParams{})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "job"}
	service, err := NewService(ServiceParams{Registry: NewRegistry(job), Lock: NoopLock{}, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, service.Run(ctx), context.Canceled)
	assert.Equal(t, 1, job.runs)
}

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryStore()
	first, err := newRedisLock(store, "custody:reconcile", time.Minute)
	require.NoError(t, err)
	second, err := newRedisLock(store, "custody:reconcile", time.Minute)
	require.NoError(t, err)

	acquired, err := first.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired)

	// A non-owner release must not free the key.
	require.NoError(t, second.Release(context.Background()))
	assert.Contains(t, store.values, "custody:reconcile")

	require.NoError(t, first.Release(context.Background()))
	assert.NotContains(t, store.values, "custody:reconcile")

	acquired, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRedisLockSurfacesStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection refused")
	lock, err := newRedisLock(store, "k", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultLockTTL, lock.ttl)

	_, err = lock.Acquire(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewRedisLockValidation(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Minute)
	assert.Error(t, err)
	_, err = newRedisLock(newMemoryStore(), "", time.Minute)
	assert.Error(t, err)
}

type stubReconciler struct {
	calls int
	err   error
}

func (s *stubReconciler) Reconcile(context.Context) (*services.ReconcileReport, error) {
	s.calls++
	return &services.ReconcileReport{Results: map[string]int{}}, s.err
}

func TestReconcileJobDelegates(t *testing.T) {
	stub := &stubReconciler{err: errors.New("db down")}
	job := &ReconcileJob{reconciler: stub}

	assert.Equal(t, "reconcile_pending_transfers", job.Name())
	assert.EqualError(t, job.Run(context.Background()), "db down")
	assert.Equal(t, 1, stub.calls)
}
