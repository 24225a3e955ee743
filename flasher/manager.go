package flasher

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// ErrUnknownJob is returned for lookups of an id the manager never issued or
// has forgotten.
var ErrUnknownJob = errors.New("unknown flash job")

// Manager runs flash jobs concurrently. Jobs to distinct destinations run in
// parallel; two jobs aimed at the same destination are serialized by the
// exclusive-open contract, the second failing with DestinationUnavailable
// while the first holds the device.
type Manager struct {
	cfg Config

	mu   sync.Mutex
	jobs map[ulid.ULID]*Job
}

// NewManager returns a manager. cfg may be nil for defaults.
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg:  cfg.withDefaults(),
		jobs: make(map[ulid.ULID]*Job),
	}
}

// Start submits a request and begins running it immediately. The returned
// job's event stream must be drained by the caller.
func (m *Manager) Start(ctx context.Context, req Request) (*Job, error) {
	if req.Source == nil {
		return nil, errors.New("request has no image source")
	}
	if req.Destination == nil {
		return nil, errors.New("request has no destination")
	}

	j := newJob(req, m.cfg)

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	go j.run(ctx)
	return j, nil
}

// Job looks up a submitted job by id.
func (m *Manager) Job(id ulid.ULID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	return j, nil
}

// Jobs snapshots all tracked jobs.
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// Cancel requests cancellation of a job by id.
func (m *Manager) Cancel(id ulid.ULID) error {
	j, err := m.Job(id)
	if err != nil {
		return err
	}
	j.Cancel()
	return nil
}

// Forget drops a terminal job from tracking. Running jobs are kept.
func (m *Manager) Forget(id ulid.ULID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.State().Terminal() {
		delete(m.jobs, id)
	}
}
