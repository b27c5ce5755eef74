// Package registry holds the registered (job, schedule) pairs in dispatch order.
//
// Writers serialize on a mutex and publish a fresh immutable slice through an
// atomic pointer; readers take Snapshot without locking. A tick that holds a
// Snapshot is unaffected by concurrent Register/Deregister; changes show up
// in the next Snapshot.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobrunner/internal/job"
	"jobrunner/internal/schedule"
)

var ErrNotFound = errors.New("registration not found")

// Entry is one registered ScheduledJob. Entries are never mutated after
// registration.
type Entry struct {
	ID           string
	Job          job.Job
	Schedule     schedule.Schedule
	RegisteredAt time.Time

	seq uint64
}

func (e Entry) Name() string           { return e.Job.Name() }
func (e Entry) Priority() job.Priority { return e.Job.Priority() }

// less orders by priority rank, then registration sequence.
func less(a, b *Entry) bool {
	ra, rb := a.Job.Priority().Rank(), b.Job.Priority().Rank()
	if ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}

// Snapshot is an immutable, priority-ordered view of the registry.
type Snapshot []*Entry

// Len is a convenience for diagnostics.
func (s Snapshot) Len() int { return len(s) }

type Registry struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]*Entry]
	seq     uint64
	now     func() time.Time
}

func New() *Registry {
	r := &Registry{now: time.Now}
	empty := make([]*Entry, 0)
	r.entries.Store(&empty)
	return r
}

// Register inserts j with s and returns the new registration id.
func (r *Registry) Register(j job.Job, s schedule.Schedule) (string, error) {
	if err := job.Validate(j); err != nil {
		return "", err
	}
	if s == nil {
		return "", errors.Wrapf(schedule.ErrInvalidScheduleConfig, "job %q: schedule is nil", j.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := &Entry{
		ID:           uuid.NewString(),
		Job:          j,
		Schedule:     s,
		RegisteredAt: r.now(),
		seq:          r.seq,
	}

	cur := *r.entries.Load()
	// The new entry has the highest seq, so it lands after every entry of
	// equal priority.
	i := sort.Search(len(cur), func(i int) bool { return less(e, cur[i]) })
	next := make([]*Entry, 0, len(cur)+1)
	next = append(next, cur[:i]...)
	next = append(next, e)
	next = append(next, cur[i:]...)
	r.entries.Store(&next)
	return e.ID, nil
}

// Deregister removes id. It reports whether the id was registered.
func (r *Registry) Deregister(id string) bool {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.entries.Load()
	idx := -1
	for i, e := range cur {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := make([]*Entry, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	r.entries.Store(&next)
	return true
}

// Snapshot returns the current priority-ordered entries. The returned slice
// must not be modified.
func (r *Registry) Snapshot() Snapshot { return Snapshot(*r.entries.Load()) }

func (r *Registry) Get(id string) (*Entry, error) {
	for _, e := range r.Snapshot() {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "id %s", id)
}

// Lookup returns the entries whose job has the given name.
func (r *Registry) Lookup(name string) []*Entry {
	var out []*Entry
	for _, e := range r.Snapshot() {
		if e.Job.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Len() int { return len(*r.entries.Load()) }
