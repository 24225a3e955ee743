package catalog

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Holder keeps one loaded manifest per session: read-only after load, safely
// shared by reference across concurrent flash jobs, replaceable wholesale by
// Reload. It is explicit state, not an ambient global.
type Holder struct {
	mu      sync.RWMutex
	current *Manifest
}

var ErrNotLoaded = errors.New("catalog not loaded")

func NewHolder() *Holder { return &Holder{} }

// Load parses and installs a manifest. On rejection the previously loaded
// manifest, if any, stays in place.
func (h *Holder) Load(doc []byte) (*Manifest, error) {
	m, err := Parse(doc)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.current = m
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"version": m.Version,
		"boards":  len(m.Boards),
		"images":  len(m.Images),
	}).Debug("catalog loaded")

	return m, nil
}

// Current returns the loaded manifest.
func (h *Holder) Current() (*Manifest, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.current == nil {
		return nil, ErrNotLoaded
	}
	return h.current, nil
}
