package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SpotType classifies a parking spot.
type SpotType string

const (
	TypeIndoor SpotType = "indoor"
	TypeStreet SpotType = "street"
	TypeValet  SpotType = "valet"
)

// Valid reports whether the value is one of the known spot types.
func (t SpotType) Valid() bool {
	switch t {
	case TypeIndoor, TypeStreet, TypeValet:
		return true
	}
	return false
}

// Amenity is an optional feature attached to a spot.
type Amenity string

const (
	AmenityEVCharging     Amenity = "ev_charging"
	AmenityDisabledAccess Amenity = "disabled_access"
	AmenitySecurity       Amenity = "security"
	AmenityCovered        Amenity = "covered"
)

// Valid reports whether the value is one of the known amenities.
func (a Amenity) Valid() bool {
	switch a {
	case AmenityEVCharging, AmenityDisabledAccess, AmenitySecurity, AmenityCovered:
		return true
	}
	return false
}

// HasAll reports whether want is a subset of the amenity list.
func HasAll(have []Amenity, want []Amenity) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// ParkingSpot is a bookable physical parking location. Available is the
// single source of truth for bookability: it is true exactly when no active
// reservation references the spot.
type ParkingSpot struct {
	ID           uuid.UUID `json:"id"`
	Location     GeoPoint  `json:"location"`
	Type         SpotType  `json:"type"`
	Available    bool      `json:"available"`
	PricePerHour float64   `json:"price_per_hour"`
	Amenities    []Amenity `json:"amenities"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReservationStatus is the reservation lifecycle state.
type ReservationStatus string

const (
	StatusActive    ReservationStatus = "active"
	StatusCancelled ReservationStatus = "cancelled"
)

// Reservation is a user's claim on a spot for a time interval.
//
// Availability is modelled as a single flag, not interval overlap: an active
// reservation blocks the spot regardless of when its interval falls. This
// mirrors the deployed behaviour and is a documented limitation.
type Reservation struct {
	ID        uuid.UUID         `json:"id"`
	SpotID    uuid.UUID         `json:"spot_id"`
	UserID    uuid.UUID         `json:"user_id"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// Error taxonomy surfaced by the engine. Callers branch with errors.Is.
var (
	ErrInvalidQuery     = errors.New("invalid search query")
	ErrInvalidInterval  = errors.New("reservation end must be after start")
	ErrNotFound         = errors.New("not found")
	ErrSpotUnavailable  = errors.New("parking spot not available")
	ErrForbidden        = errors.New("reservation belongs to another user")
	ErrAlreadyCancelled = errors.New("reservation already cancelled")
	ErrInternal         = errors.New("internal storage failure")
)

// SpotEventType tags change events.
type SpotEventType string

const (
	EventSpotCreated SpotEventType = "SpotCreated"
	EventSpotUpdated SpotEventType = "SpotUpdated"
	EventSpotBooked  SpotEventType = "SpotBooked"
	EventSpotFreed   SpotEventType = "SpotFreed"
)

// SpotEvent carries a committed spot snapshot to subscribers. Events for a
// single spot are published in commit order; delivery is best effort.
type SpotEvent struct {
	Type       SpotEventType `json:"type"`
	Spot       ParkingSpot   `json:"spot"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// SpotUpdate describes a partial mutation of spot attributes. Nil fields are
// left untouched.
type SpotUpdate struct {
	Location     *GeoPoint
	Type         *SpotType
	Available    *bool
	PricePerHour *float64
	Amenities    []Amenity
}

// SpotRepository is the authoritative store for spot records.
// ConditionalSetAvailable is the only sanctioned path for booking-driven
// availability changes: it transitions the flag from expected to next
// atomically and reports false when the stored value did not match.
type SpotRepository interface {
	Create(ctx context.Context, spot ParkingSpot) (ParkingSpot, error)
	GetByID(ctx context.Context, id uuid.UUID) (ParkingSpot, error)
	Update(ctx context.Context, id uuid.UUID, update SpotUpdate) (ParkingSpot, error)
	ConditionalSetAvailable(ctx context.Context, id uuid.UUID, expected, next bool) (bool, error)
	List(ctx context.Context) ([]ParkingSpot, error)
}

// ReservationRepository stores reservation records.
type ReservationRepository interface {
	Create(ctx context.Context, res Reservation) (Reservation, error)
	GetByID(ctx context.Context, id uuid.UUID) (Reservation, error)
	Update(ctx context.Context, res Reservation) (Reservation, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Reservation, error)
	ListBySpot(ctx context.Context, spotID uuid.UUID, limit int) ([]Reservation, error)
}

// EventPublisher fans a committed spot state change out to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event SpotEvent) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
