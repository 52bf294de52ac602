// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/errcode"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mgr, err := database.NewManager(database.Database{
		Driver: database.DriverSQLite,
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	store, err := NewStore(database.NewDatabaseAdapter(mgr))
	require.NoError(t, err)
	return store
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(Config{Name: "test"}, newTestStore(t))
}

func claim(t *testing.T, q *Queue) *JobModel {
	t.Helper()
	job, err := q.store.ClaimNext(context.Background(), q.cfg.Name)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("noop", func(jc *JobContext) (Outcome, error) { return Done(), nil })

	first, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{DedupKey: "noop:g1"})
	require.NoError(t, err)

	// Duplicate while the first is still queued returns the existing id.
	second, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{DedupKey: "noop:g1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	inFlight, err := q.IsInFlight(ctx, "noop:g1")
	require.NoError(t, err)
	assert.True(t, inFlight)

	// Once settled, the key frees up.
	job := claim(t, q)
	require.NoError(t, q.store.Complete(ctx, job.ID, false))

	inFlight, err = q.IsInFlight(ctx, "noop:g1")
	require.NoError(t, err)
	assert.False(t, inFlight)

	third, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{DedupKey: "noop:g1"})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestEnqueueUnknownJob(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "missing", nil, EnqueueOptions{})
	assert.Error(t, err)
}

func TestClaimMintsToken(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("noop", func(jc *JobContext) (Outcome, error) { return Done(), nil })

	_, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{})
	require.NoError(t, err)

	job := claim(t, q)
	assert.Equal(t, string(JobStatusProcessing), job.Status)
	assert.NotEmpty(t, job.Token)
	assert.Equal(t, 1, job.Attempts)

	// Nothing else is due.
	next, err := q.store.ClaimNext(ctx, q.cfg.Name)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDelayedJobNotDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("noop", func(jc *JobContext) (Outcome, error) { return Done(), nil })

	_, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	job, err := q.store.ClaimNext(ctx, q.cfg.Name)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryLaterReschedules(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("idle", func(jc *JobContext) (Outcome, error) {
		return RetryLater(time.Minute), nil
	})

	id, err := q.Enqueue(ctx, "idle", nil, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusQueued), job.Status)
	assert.True(t, job.ProcessAt.After(time.Now().UTC().Add(30*time.Second)))
}

func TestRetryLaterWithoutTokenFails(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("idle", func(jc *JobContext) (Outcome, error) {
		return RetryLater(time.Minute), nil
	})

	id, err := q.Enqueue(ctx, "idle", nil, EnqueueOptions{})
	require.NoError(t, err)

	job := claim(t, q)
	job.Token = ""
	q.execute(ctx, job)

	got, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(JobStatusFailed), got.Status)
	assert.Contains(t, got.Error, "continuation token missing")
	// The recorded failure carries the branchable code.
	assert.Contains(t, got.Error, errcode.CodeTokenMissing)
	assert.True(t, errcode.HasCode(ErrTokenMissing, errcode.CodeTokenMissing))
}

func TestContinueNowKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("step", func(jc *JobContext) (Outcome, error) {
		return ContinueNow(), nil
	})

	id, err := q.Enqueue(ctx, "step", nil, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusQueued), job.Status)
	// The claim's attempt was undone: a continuation is not a retry.
	assert.Equal(t, 0, job.Attempts)
	assert.False(t, job.ProcessAt.After(time.Now().UTC()))
}

func TestInitAfterContextCancel(t *testing.T) {
	q := NewQueue(Config{Name: "test", PollInterval: 10 * time.Millisecond}, newTestStore(t))
	done := make(chan struct{}, 1)
	q.Register("noop", func(jc *JobContext) (Outcome, error) {
		done <- struct{}{}
		return Done(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Init(ctx))
	cancel()

	// The pool notices the cancelled runtime context and releases its
	// started slot on its own, without an explicit Close.
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.started
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh Init must bring live workers back, not no-op against a pool
	// whose workers are gone.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	require.NoError(t, q.Init(ctx2))

	_, err := q.Enqueue(ctx2, "noop", nil, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed after restart")
	}
	require.NoError(t, q.Close())
}

func TestUnexpectedErrorFailsPermanently(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("boom", func(jc *JobContext) (Outcome, error) {
		return Outcome{}, errors.New("storage offline")
	})

	id, err := q.Enqueue(ctx, "boom", nil, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusFailed), job.Status)
	assert.Equal(t, "storage offline", job.Error)

	// Failed jobs are never redelivered.
	next, err := q.store.ClaimNext(ctx, q.cfg.Name)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestSoftCancellationCompletes(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("bounded", func(jc *JobContext) (Outcome, error) {
		return Cancelled(ReasonMaxDuration), nil
	})

	id, err := q.Enqueue(ctx, "bounded", nil, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusCompleted), job.Status)
}

func TestHardCancellationParks(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("interrupted", func(jc *JobContext) (Outcome, error) {
		return Cancelled(ReasonSigterm), nil
	})

	id, err := q.Enqueue(ctx, "interrupted", nil, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusWaiting), job.Status)
	assert.True(t, job.ProcessAt.After(time.Now().UTC()))
}

func TestLocalAbortCancelsContext(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("self-limiting", func(jc *JobContext) (Outcome, error) {
		jc.Abort(ReasonMaxData)
		select {
		case <-jc.Ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("job context not cancelled after local abort")
		}
		return Cancelled(ReasonMaxData), nil
	})

	id, err := q.Enqueue(ctx, "self-limiting", nil, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusCompleted), job.Status)
}

func TestInitCloseIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Init(ctx))
	require.NoError(t, q.Init(ctx))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
}

func TestSequencedJobAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	var ran []string
	seq := &SequencedJob{
		Name: "two-phase",
		Steps: []SequenceStep{
			{Name: "fetch", Fn: func(ctx context.Context, key string) error {
				ran = append(ran, "fetch:"+key)
				return nil
			}},
			{Name: "compute", Fn: func(ctx context.Context, key string) error {
				ran = append(ran, "compute:"+key)
				return nil
			}},
		},
	}
	q.Register("two-phase", seq.Handler())

	id, err := q.Enqueue(ctx, "two-phase", SequencePayload{Key: "octo/app/ci"}, EnqueueOptions{})
	require.NoError(t, err)

	// First delivery runs the first step and yields a continuation.
	q.execute(ctx, claim(t, q))
	assert.Equal(t, []string{"fetch:octo/app/ci"}, ran)

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusQueued), job.Status)

	var p SequencePayload
	require.NoError(t, job.unmarshalPayload(&p))
	assert.Equal(t, "compute", p.Cursor)

	// Second delivery runs the final step and removes the job.
	q.execute(ctx, claim(t, q))
	assert.Equal(t, []string{"fetch:octo/app/ci", "compute:octo/app/ci"}, ran)

	job, err = q.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSequencedJobStepErrorFails(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	seq := &SequencedJob{
		Name: "failing",
		Steps: []SequenceStep{
			{Name: "fetch", Fn: func(ctx context.Context, key string) error {
				return errors.New("upstream 500")
			}},
			{Name: "compute", Fn: func(ctx context.Context, key string) error {
				t.Fatal("step after failure must not run")
				return nil
			}},
		},
	}
	q.Register("failing", seq.Handler())

	id, err := q.Enqueue(ctx, "failing", SequencePayload{Key: "octo/app/ci"}, EnqueueOptions{})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusFailed), job.Status)
	assert.Equal(t, "upstream 500", job.Error)

	// The cursor still points at the failed step.
	var p SequencePayload
	require.NoError(t, job.unmarshalPayload(&p))
	assert.Equal(t, "fetch", p.Cursor)
}

type fakePendingSource struct {
	records []*PendingWork
	deleted []uint64
}

func (f *fakePendingSource) Oldest(ctx context.Context, group string) (*PendingWork, error) {
	for _, r := range f.records {
		if r.Group == group {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakePendingSource) Delete(ctx context.Context, id uint64) error {
	f.deleted = append(f.deleted, id)
	for i, r := range f.records {
		if r.ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			break
		}
	}
	return nil
}

func TestPollerIdle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	p := NewPoller(PollerConfig{Group: "stats"}, &fakePendingSource{}, nil)
	q.Register(p.JobName(), p.Handler())

	id, err := q.Enqueue(ctx, p.JobName(), nil, EnqueueOptions{DedupKey: p.JobName()})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusQueued), job.Status)
	// Idle delay, not the short drain delay.
	assert.True(t, job.ProcessAt.After(time.Now().UTC().Add(5*time.Second)))
}

func TestPollerConvertsOldest(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("compute-stat", func(jc *JobContext) (Outcome, error) { return Done(), nil })

	src := &fakePendingSource{records: []*PendingWork{
		{ID: 7, Group: "stats", JobName: "compute-stat", Payload: []byte(`{"key":"octo/app/ci"}`)},
	}}
	p := NewPoller(PollerConfig{Group: "stats"}, src, nil)
	q.Register(p.JobName(), p.Handler())

	_, err := q.Enqueue(ctx, p.JobName(), nil, EnqueueOptions{DedupKey: p.JobName()})
	require.NoError(t, err)

	q.execute(ctx, claim(t, q))

	// The record was deleted only after the job landed.
	assert.Equal(t, []uint64{7}, src.deleted)
	inFlight, err := q.IsInFlight(ctx, "compute-stat:stats")
	require.NoError(t, err)
	assert.True(t, inFlight)
}

func TestPollerCollisionBacksOff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.Register("compute-stat", func(jc *JobContext) (Outcome, error) { return Done(), nil })

	// The previous conversion is still in flight.
	_, err := q.Enqueue(ctx, "compute-stat", nil, EnqueueOptions{DedupKey: "compute-stat:stats"})
	require.NoError(t, err)

	src := &fakePendingSource{records: []*PendingWork{
		{ID: 9, Group: "stats", JobName: "compute-stat"},
	}}
	p := NewPoller(PollerConfig{Group: "stats"}, src, nil)
	q.Register(p.JobName(), p.Handler())

	id, err := q.Enqueue(ctx, p.JobName(), nil, EnqueueOptions{DedupKey: p.JobName()})
	require.NoError(t, err)

	// Claim the poller job specifically (the compute-stat job is also due).
	var pollerJob *JobModel
	for {
		job, err := q.store.ClaimNext(ctx, q.cfg.Name)
		require.NoError(t, err)
		require.NotNil(t, job)
		if job.ID == id {
			pollerJob = job
			break
		}
	}
	q.execute(ctx, pollerJob)

	// Record untouched, poller backed off with the short collision delay.
	assert.Empty(t, src.deleted)
	job, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, string(JobStatusQueued), job.Status)
	assert.True(t, job.ProcessAt.Before(time.Now().UTC().Add(5*time.Second)))
}

func TestPollerWithoutTokenFails(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	p := NewPoller(PollerConfig{Group: "stats"}, &fakePendingSource{}, nil)
	q.Register(p.JobName(), p.Handler())

	id, err := q.Enqueue(ctx, p.JobName(), nil, EnqueueOptions{})
	require.NoError(t, err)

	job := claim(t, q)
	job.Token = ""
	q.execute(ctx, job)

	got, err := q.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(JobStatusFailed), got.Status)
}
