// Package inventory is the shared resource inventory. Every status change
// goes through Reserve and Release.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/rescueplan/models"
)

// ErrNotFound is returned for unknown resource ids.
var ErrNotFound = errors.New("resource not found")

// ErrReserved is returned by Upsert when it would change the status of a
// reserved resource, or mark a resource dispatched outside Reserve.
var ErrReserved = errors.New("resource status is owned by its reservation")

// checkStatus reports whether status may be stored on a resource whose
// current reservation is reservedBy.
func checkStatus(id string, status models.ResourceStatus, reservedBy string) error {
	switch {
	case reservedBy != "" && status != models.ResourceDispatched:
		return fmt.Errorf("%w: %s is reserved by run %s", ErrReserved, id, reservedBy)
	case reservedBy == "" && status == models.ResourceDispatched:
		return fmt.Errorf("%w: %s is not reserved", ErrReserved, id)
	}
	return nil
}

// Reservation asks for a set of resources on behalf of a run.
type Reservation struct {
	RunID       string
	ResourceIDs []string
	// Versions are the versions the run saw in its snapshot. A resource
	// whose version changed since is a conflict. Missing entries skip the
	// version check.
	Versions map[string]int64
}

// Repository manages resource state.
type Repository interface {
	// Snapshot returns a consistent copy of every resource.
	Snapshot(ctx context.Context) ([]models.Resource, error)

	// Get returns one resource.
	Get(ctx context.Context, id string) (*models.Resource, error)

	// Reserve marks all requested resources dispatched, or none of them.
	// A resource that is not available, or whose version moved on, fails
	// the reservation with a *models.ReservationConflictError.
	Reserve(ctx context.Context, r Reservation) error

	// Release returns resources reserved by runID to available.
	Release(ctx context.Context, runID string, ids []string) error

	// Upsert creates or replaces a resource. The reservation is kept; a
	// status change on a reserved resource, or a dispatched status without
	// a reservation, fails with ErrReserved.
	Upsert(ctx context.Context, r models.Resource) error
}

// InMemoryRepository implements Repository with per-resource locks.
type InMemoryRepository struct {
	resources map[string]*models.Resource
	locks     map[string]*sync.Mutex
	mu        sync.RWMutex
}

// NewInMemoryRepository creates a repository holding resources.
func NewInMemoryRepository(resources ...models.Resource) *InMemoryRepository {
	repo := &InMemoryRepository{
		resources: make(map[string]*models.Resource),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, r := range resources {
		r := r
		repo.resources[r.ID] = &r
		repo.locks[r.ID] = &sync.Mutex{}
	}
	return repo
}

// Snapshot returns every resource sorted by id.
func (s *InMemoryRepository) Snapshot(ctx context.Context) ([]models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.resources))
	for id := range s.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	unlock := s.lockAll(ids)
	defer unlock()

	out := make([]models.Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyResource(*s.resources[id]))
	}
	return out, nil
}

// Get returns a copy of one resource.
func (s *InMemoryRepository) Get(ctx context.Context, id string) (*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l := s.locks[id]
	l.Lock()
	defer l.Unlock()
	c := copyResource(*r)
	return &c, nil
}

// Reserve locks the requested ids in sorted order, so concurrent
// reservations over overlapping sets cannot deadlock.
func (s *InMemoryRepository) Reserve(ctx context.Context, res Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := uniqueSorted(res.ResourceIDs)
	if len(ids) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range ids {
		if _, ok := s.resources[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}

	unlock := s.lockAll(ids)
	defer unlock()

	var conflicts []string
	for _, id := range ids {
		r := s.resources[id]
		if r.Status != models.ResourceAvailable {
			conflicts = append(conflicts, id)
			continue
		}
		if v, ok := res.Versions[id]; ok && v != r.Version {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return &models.ReservationConflictError{ResourceIDs: conflicts}
	}

	for _, id := range ids {
		r := s.resources[id]
		r.Status = models.ResourceDispatched
		r.ReservedBy = res.RunID
		r.Version++
	}
	return nil
}

// Release frees the ids reserved by runID. Ids held by other runs are left
// alone.
func (s *InMemoryRepository) Release(ctx context.Context, runID string, ids []string) error {
	ids = uniqueSorted(ids)

	s.mu.RLock()
	defer s.mu.RUnlock()

	known := ids[:0:0]
	for _, id := range ids {
		if _, ok := s.resources[id]; ok {
			known = append(known, id)
		}
	}
	unlock := s.lockAll(known)
	defer unlock()

	for _, id := range known {
		r := s.resources[id]
		if r.ReservedBy != runID {
			continue
		}
		r.Status = models.ResourceAvailable
		r.ReservedBy = ""
		r.Version++
	}
	return nil
}

// Upsert stores a copy of r, keeping the current reservation.
func (s *InMemoryRepository) Upsert(ctx context.Context, r models.Resource) error {
	if r.ID == "" {
		return errors.New("resource id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyResource(r)
	existing, ok := s.resources[r.ID]
	c.ReservedBy = ""
	if ok {
		c.ReservedBy = existing.ReservedBy
	}
	if c.Status == "" {
		c.Status = models.ResourceAvailable
	}
	if err := checkStatus(c.ID, c.Status, c.ReservedBy); err != nil {
		return err
	}

	if ok {
		c.Version = existing.Version + 1
	} else {
		s.locks[r.ID] = &sync.Mutex{}
	}
	s.resources[r.ID] = &c
	return nil
}

// lockAll locks ids, which must be sorted, and returns the unlock function.
// The caller holds s.mu.
func (s *InMemoryRepository) lockAll(ids []string) func() {
	for _, id := range ids {
		s.locks[id].Lock()
	}
	return func() {
		for i := len(ids) - 1; i >= 0; i-- {
			s.locks[ids[i]].Unlock()
		}
	}
}

func uniqueSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

func copyResource(r models.Resource) models.Resource {
	r.Capabilities = append([]models.ResourceCapability(nil), r.Capabilities...)
	r.Constraints.Terrain = append([]string(nil), r.Constraints.Terrain...)
	return r
}
