package destination

import (
	"sync"

	"github.com/pkg/errors"
)

// lockRegistry is the process-wide table of exclusively held destinations.
// It is the only shared mutable state in the flashing core: one FlashJob per
// destination at a time, across all concurrent jobs.
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var locks = &lockRegistry{held: map[string]struct{}{}}

// acquire takes the exclusive lock for a destination ID, failing with
// ErrUnavailable when another holder is active.
func (r *lockRegistry) acquire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.held[id]; busy {
		return errors.Wrapf(ErrUnavailable, "%s is busy", id)
	}
	r.held[id] = struct{}{}
	return nil
}

func (r *lockRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}

// Acquire reserves a destination ID process-wide. Exported for destination
// variants living in other packages (the serial bootloader).
func Acquire(id string) error { return locks.acquire(id) }

// Release frees a destination ID taken with Acquire.
func Release(id string) { locks.release(id) }
