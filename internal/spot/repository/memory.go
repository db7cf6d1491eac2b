package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/smartpark/internal/spot/domain"
)

// MemorySpotRepository is an in-memory spot store suitable for tests and
// deployments without Postgres. The conditional flip runs entirely under
// the lock, so two racing callers can never both observe the pre-transition
// value as current.
type MemorySpotRepository struct {
	mu    sync.RWMutex
	spots map[uuid.UUID]domain.ParkingSpot
}

// NewMemorySpotRepository constructs an empty spot store.
func NewMemorySpotRepository() *MemorySpotRepository {
	return &MemorySpotRepository{spots: make(map[uuid.UUID]domain.ParkingSpot)}
}

// Create stores the spot and returns it.
func (m *MemorySpotRepository) Create(_ context.Context, spot domain.ParkingSpot) (domain.ParkingSpot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spots[spot.ID] = spot
	return spot, nil
}

// GetByID retrieves a spot.
func (m *MemorySpotRepository) GetByID(_ context.Context, id uuid.UUID) (domain.ParkingSpot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spot, ok := m.spots[id]
	if !ok {
		return domain.ParkingSpot{}, domain.ErrNotFound
	}
	return spot, nil
}

// Update merges the provided fields into the stored spot.
func (m *MemorySpotRepository) Update(_ context.Context, id uuid.UUID, update domain.SpotUpdate) (domain.ParkingSpot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spot, ok := m.spots[id]
	if !ok {
		return domain.ParkingSpot{}, domain.ErrNotFound
	}
	if update.Location != nil {
		spot.Location = *update.Location
	}
	if update.Type != nil {
		spot.Type = *update.Type
	}
	if update.Available != nil {
		spot.Available = *update.Available
	}
	if update.PricePerHour != nil {
		spot.PricePerHour = *update.PricePerHour
	}
	if update.Amenities != nil {
		spot.Amenities = append([]domain.Amenity(nil), update.Amenities...)
	}
	m.spots[id] = spot
	return spot, nil
}

// ConditionalSetAvailable flips the availability flag only when the stored
// value equals expected. Returns false without side effects otherwise.
func (m *MemorySpotRepository) ConditionalSetAvailable(_ context.Context, id uuid.UUID, expected, next bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spot, ok := m.spots[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if spot.Available != expected {
		return false, nil
	}
	spot.Available = next
	m.spots[id] = spot
	return true, nil
}

// List returns all spots, for index bootstrap.
func (m *MemorySpotRepository) List(_ context.Context) ([]domain.ParkingSpot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spots := make([]domain.ParkingSpot, 0, len(m.spots))
	for _, spot := range m.spots {
		spots = append(spots, spot)
	}
	sort.Slice(spots, func(i, j int) bool { return spots[i].CreatedAt.Before(spots[j].CreatedAt) })
	return spots, nil
}

// MemoryReservationRepository stores reservations in memory.
type MemoryReservationRepository struct {
	mu           sync.RWMutex
	reservations map[uuid.UUID]domain.Reservation
	order        []uuid.UUID
	failCreate   error
}

// NewMemoryReservationRepository constructs an empty reservation store.
func NewMemoryReservationRepository() *MemoryReservationRepository {
	return &MemoryReservationRepository{reservations: make(map[uuid.UUID]domain.Reservation)}
}

// FailNextCreate makes the next Create call return err. Test hook for the
// partial-failure compensation path.
func (m *MemoryReservationRepository) FailNextCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = err
}

// Create stores the reservation.
func (m *MemoryReservationRepository) Create(_ context.Context, res domain.Reservation) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		err := m.failCreate
		m.failCreate = nil
		return domain.Reservation{}, err
	}
	m.reservations[res.ID] = res
	m.order = append(m.order, res.ID)
	return res, nil
}

// GetByID retrieves a reservation.
func (m *MemoryReservationRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return res, nil
}

// Update replaces the stored reservation.
func (m *MemoryReservationRepository) Update(_ context.Context, res domain.Reservation) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[res.ID]; !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	m.reservations[res.ID] = res
	return res, nil
}

// ListByUser returns the user's reservations, most recent first.
func (m *MemoryReservationRepository) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Reservation
	for i := len(m.order) - 1; i >= 0; i-- {
		if res := m.reservations[m.order[i]]; res.UserID == userID {
			out = append(out, res)
		}
	}
	return out, nil
}

// ListBySpot returns the spot's reservation history, most recent first,
// capped at limit.
func (m *MemoryReservationRepository) ListBySpot(_ context.Context, spotID uuid.UUID, limit int) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Reservation
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		if res := m.reservations[m.order[i]]; res.SpotID == spotID {
			out = append(out, res)
		}
	}
	return out, nil
}
