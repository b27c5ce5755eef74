package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/job"
	"jobrunner/internal/schedule"
)

func noop(name string, p job.Priority) job.Job {
	return job.Func(name, p, func(context.Context) error { return nil })
}

func names(s Snapshot) []string {
	out := make([]string, 0, len(s))
	for _, e := range s {
		out = append(out, e.Name())
	}
	return out
}

func TestSnapshotOrdersByPriorityThenRegistration(t *testing.T) {
	t.Parallel()
	r := New()
	h := schedule.HourlyAtMinuteZero()

	for _, j := range []job.Job{
		noop("low-a", job.PriorityLow),
		noop("high-a", job.PriorityHigh),
		noop("med-a", job.PriorityMedium),
		noop("low-b", job.PriorityLow),
		noop("high-b", job.PriorityHigh),
	} {
		_, err := r.Register(j, h)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"high-a", "high-b", "med-a", "low-a", "low-b"}, names(r.Snapshot()))
}

func TestRegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Register(nil, schedule.HourlyAtMinuteZero())
	assert.ErrorIs(t, err, job.ErrNilJob)

	_, err = r.Register(noop("", job.PriorityHigh), schedule.HourlyAtMinuteZero())
	assert.ErrorIs(t, err, job.ErrEmptyName)

	_, err = r.Register(noop("x", job.PriorityHigh), nil)
	assert.True(t, errors.Is(err, schedule.ErrInvalidScheduleConfig))
	assert.Zero(t, r.Len())
}

func TestDeregisterKeepsHeldSnapshot(t *testing.T) {
	t.Parallel()
	r := New()
	idA, err := r.Register(noop("a", job.PriorityHigh), schedule.HourlyAtMinuteZero())
	require.NoError(t, err)
	_, err = r.Register(noop("b", job.PriorityLow), schedule.HourlyAtMinuteZero())
	require.NoError(t, err)

	held := r.Snapshot()
	assert.True(t, r.Deregister(idA))
	assert.False(t, r.Deregister(idA))

	assert.Equal(t, []string{"a", "b"}, names(held))
	assert.Equal(t, []string{"b"}, names(r.Snapshot()))

	_, err = r.Get(idA)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, r.Lookup("b"), 1)
}

func TestIDsAreUnique(t *testing.T) {
	t.Parallel()
	r := New()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := r.Register(noop("same", job.PriorityMedium), schedule.HourlyAtMinuteZero())
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestConcurrentRegisterAndSnapshot(t *testing.T) {
	t.Parallel()
	r := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				p := job.Priority(1 + (w+i)%3)
				id, err := r.Register(noop(fmt.Sprintf("j-%d-%d", w, i), p), schedule.HourlyAtMinuteZero())
				if err != nil {
					t.Error(err)
					return
				}
				if i%5 == 0 {
					r.Deregister(id)
				}
				snap := r.Snapshot()
				for k := 1; k < len(snap); k++ {
					if less(snap[k], snap[k-1]) {
						t.Error("snapshot out of order")
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 8*20, r.Len())
}
