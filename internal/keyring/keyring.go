// Package keyring holds versioned key material for data encryption and
// token signing. A Ring is immutable once built; rotating keys means
// building a new Ring and swapping it into the Manager, so operations
// already holding the previous Ring finish against it unchanged.
package keyring

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Status of one key version.
type Status string

const (
	StatusActive   Status = "active"
	StatusRotated  Status = "rotated"
	StatusArchived Status = "archived"
)

var (
	// ErrUnknownVersion is returned when no key carries the requested version.
	ErrUnknownVersion = errors.New("keyring: unknown key version")
	// ErrArchivedVersion is returned when the key exists but may no longer be used.
	ErrArchivedVersion = errors.New("keyring: key version archived")
)

// Key is one generation of key material.
type Key struct {
	Version   int
	Status    Status
	Material  []byte
	CreatedAt time.Time
	RotatedAt *time.Time
}

// Ring is an immutable set of keys with exactly one active version.
type Ring struct {
	keys   map[int]Key
	active int
}

// NewRing validates keys and builds a Ring. minSize is the minimum
// material length in bytes; exact reports whether it must match exactly.
func NewRing(keys []Key, minSize int, exact bool) (*Ring, error) {
	if len(keys) == 0 {
		return nil, errors.New("keyring: no keys configured")
	}
	r := &Ring{keys: make(map[int]Key, len(keys))}
	for _, k := range keys {
		if k.Version <= 0 {
			return nil, fmt.Errorf("keyring: invalid version %d", k.Version)
		}
		if _, dup := r.keys[k.Version]; dup {
			return nil, fmt.Errorf("keyring: duplicate version %d", k.Version)
		}
		switch k.Status {
		case StatusActive, StatusRotated, StatusArchived:
		default:
			return nil, fmt.Errorf("keyring: version %d has unknown status %q", k.Version, k.Status)
		}
		if len(k.Material) < minSize || (exact && len(k.Material) != minSize) {
			return nil, fmt.Errorf("keyring: version %d has %d byte key, want %d", k.Version, len(k.Material), minSize)
		}
		if k.Status == StatusActive {
			if r.active != 0 {
				return nil, fmt.Errorf("keyring: versions %d and %d are both active", r.active, k.Version)
			}
			r.active = k.Version
		}
		material := make([]byte, len(k.Material))
		copy(material, k.Material)
		k.Material = material
		r.keys[k.Version] = k
	}
	if r.active == 0 {
		return nil, errors.New("keyring: no active key version")
	}
	return r, nil
}

// Active returns the key used for new encryptions or signatures.
func (r *Ring) Active() Key {
	return r.keys[r.active]
}

// Lookup returns the key for version if it may still be used to decrypt or
// verify.
func (r *Ring) Lookup(version int) (Key, error) {
	k, ok := r.keys[version]
	if !ok {
		return Key{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if k.Status == StatusArchived {
		return Key{}, fmt.Errorf("%w: %d", ErrArchivedVersion, version)
	}
	return k, nil
}

// Versions lists configured versions in ascending order.
func (r *Ring) Versions() []int {
	out := make([]int, 0, len(r.keys))
	for v := range r.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Rotated lists, in ascending order, the versions that still decrypt but
// are no longer active.
func (r *Ring) Rotated() []int {
	var out []int
	for v, k := range r.keys {
		if k.Status == StatusRotated {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// Manager publishes the current Ring to concurrent readers.
type Manager struct {
	current atomic.Pointer[Ring]
}

// NewManager returns a Manager serving r.
func NewManager(r *Ring) *Manager {
	m := &Manager{}
	m.current.Store(r)
	return m
}

// Current returns the Ring in effect. Callers that need a consistent view
// across several lookups should hold on to the returned Ring.
func (m *Manager) Current() *Ring {
	return m.current.Load()
}

// Swap installs r and returns the Ring it replaced.
func (m *Manager) Swap(r *Ring) *Ring {
	return m.current.Swap(r)
}

// Active is shorthand for Current().Active().
func (m *Manager) Active() Key {
	return m.Current().Active()
}

// Lookup is shorthand for Current().Lookup(version).
func (m *Manager) Lookup(version int) (Key, error) {
	return m.Current().Lookup(version)
}
