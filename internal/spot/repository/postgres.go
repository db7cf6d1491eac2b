package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/smartpark/internal/spot/domain"
)

// PostgresSpotRepository persists spots in Postgres via pgx. The conditional
// availability flip is a single UPDATE with the expected value in the WHERE
// clause; row-level atomicity makes the compare-and-set linearizable per
// spot without explicit locks.
type PostgresSpotRepository struct {
	db *pgxpool.Pool
}

// NewPostgresSpotRepository constructs the repository.
func NewPostgresSpotRepository(db *pgxpool.Pool) *PostgresSpotRepository {
	return &PostgresSpotRepository{db: db}
}

// Migrate creates the tables used by the spot and reservation repositories.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS parking_spots (
	id UUID PRIMARY KEY,
	lng DOUBLE PRECISION NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	type TEXT NOT NULL,
	available BOOLEAN NOT NULL DEFAULT TRUE,
	price_per_hour DOUBLE PRECISION NOT NULL DEFAULT 0,
	amenities TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS reservations (
	id UUID PRIMARY KEY,
	spot_id UUID NOT NULL,
	user_id UUID NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reservations_user_idx ON reservations (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS reservations_spot_idx ON reservations (spot_id, created_at DESC);`
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Create inserts a new spot.
func (r *PostgresSpotRepository) Create(ctx context.Context, spot domain.ParkingSpot) (domain.ParkingSpot, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO parking_spots (id, lng, lat, type, available, price_per_hour, amenities, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		spot.ID, spot.Location.Lng, spot.Location.Lat, spot.Type, spot.Available,
		spot.PricePerHour, amenityStrings(spot.Amenities), spot.CreatedAt,
	)
	if err != nil {
		return domain.ParkingSpot{}, fmt.Errorf("insert spot: %w", err)
	}
	return spot, nil
}

// GetByID returns a spot or domain.ErrNotFound.
func (r *PostgresSpotRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ParkingSpot, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, lng, lat, type, available, price_per_hour, amenities, created_at
		 FROM parking_spots WHERE id = $1`, id)
	return scanSpot(row)
}

// Update merges the provided fields. Runs inside a transaction so the
// read-modify-write cannot interleave with another update of the same spot.
func (r *PostgresSpotRepository) Update(ctx context.Context, id uuid.UUID, update domain.SpotUpdate) (domain.ParkingSpot, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ParkingSpot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT id, lng, lat, type, available, price_per_hour, amenities, created_at
		 FROM parking_spots WHERE id = $1 FOR UPDATE`, id)
	spot, err := scanSpot(row)
	if err != nil {
		return domain.ParkingSpot{}, err
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

	_, err = tx.Exec(ctx,
		`UPDATE parking_spots SET lng=$2, lat=$3, type=$4, available=$5, price_per_hour=$6, amenities=$7
		 WHERE id = $1`,
		spot.ID, spot.Location.Lng, spot.Location.Lat, spot.Type, spot.Available,
		spot.PricePerHour, amenityStrings(spot.Amenities),
	)
	if err != nil {
		return domain.ParkingSpot{}, fmt.Errorf("update spot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ParkingSpot{}, fmt.Errorf("commit update: %w", err)
	}
	return spot, nil
}

// ConditionalSetAvailable flips availability only when the stored value
// matches expected, reporting whether the flip happened.
func (r *PostgresSpotRepository) ConditionalSetAvailable(ctx context.Context, id uuid.UUID, expected, next bool) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE parking_spots SET available = $3 WHERE id = $1 AND available = $2`,
		id, expected, next,
	)
	if err != nil {
		return false, fmt.Errorf("conditional flip: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing spot.
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM parking_spots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check spot: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

// List returns all spots ordered by creation time, for index bootstrap.
func (r *PostgresSpotRepository) List(ctx context.Context) ([]domain.ParkingSpot, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, lng, lat, type, available, price_per_hour, amenities, created_at
		 FROM parking_spots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list spots: %w", err)
	}
	defer rows.Close()

	var spots []domain.ParkingSpot
	for rows.Next() {
		spot, err := scanSpot(rows)
		if err != nil {
			return nil, err
		}
		spots = append(spots, spot)
	}
	return spots, rows.Err()
}

// PostgresReservationRepository persists reservations.
type PostgresReservationRepository struct {
	db *pgxpool.Pool
}

// NewPostgresReservationRepository constructs the repository.
func NewPostgresReservationRepository(db *pgxpool.Pool) *PostgresReservationRepository {
	return &PostgresReservationRepository{db: db}
}

// Create inserts a reservation.
func (r *PostgresReservationRepository) Create(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO reservations (id, spot_id, user_id, start_time, end_time, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.SpotID, res.UserID, res.StartTime, res.EndTime, res.Status, res.CreatedAt,
	)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	return res, nil
}

// GetByID returns a reservation or domain.ErrNotFound.
func (r *PostgresReservationRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, spot_id, user_id, start_time, end_time, status, created_at
		 FROM reservations WHERE id = $1`, id)
	return scanReservation(row)
}

// Update replaces the reservation's mutable fields.
func (r *PostgresReservationRepository) Update(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE reservations SET status = $2 WHERE id = $1`, res.ID, res.Status)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return res, nil
}

// ListByUser returns the user's reservations, most recent first.
func (r *PostgresReservationRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Reservation, error) {
	return r.list(ctx,
		`SELECT id, spot_id, user_id, start_time, end_time, status, created_at
		 FROM reservations WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListBySpot returns the spot's history, most recent first, capped at limit.
func (r *PostgresReservationRepository) ListBySpot(ctx context.Context, spotID uuid.UUID, limit int) ([]domain.Reservation, error) {
	return r.list(ctx,
		`SELECT id, spot_id, user_id, start_time, end_time, status, created_at
		 FROM reservations WHERE spot_id = $1 ORDER BY created_at DESC LIMIT $2`, spotID, limit)
}

func (r *PostgresReservationRepository) list(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanSpot(row pgx.Row) (domain.ParkingSpot, error) {
	var spot domain.ParkingSpot
	var amenities []string
	err := row.Scan(&spot.ID, &spot.Location.Lng, &spot.Location.Lat, &spot.Type,
		&spot.Available, &spot.PricePerHour, &amenities, &spot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ParkingSpot{}, domain.ErrNotFound
		}
		return domain.ParkingSpot{}, fmt.Errorf("scan spot: %w", err)
	}
	for _, a := range amenities {
		spot.Amenities = append(spot.Amenities, domain.Amenity(a))
	}
	return spot, nil
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.SpotID, &res.UserID, &res.StartTime, &res.EndTime, &res.Status, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	return res, nil
}

func amenityStrings(amenities []domain.Amenity) []string {
	out := make([]string, 0, len(amenities))
	for _, a := range amenities {
		out = append(out, string(a))
	}
	return out
}
