package rides

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists requests, rides and vehicles. Conditional updates
// rely on single-statement atomicity: `UPDATE ... WHERE status=...` either
// wins the row or reports zero rows affected.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_requests(
			id, rider_id, pickup_lat, pickup_lon, pickup_address,
			dropoff_lat, dropoff_lon, dropoff_address,
			fare, eta_minutes, ride_type, status, driver_id,
			passenger_count, created_at, booking_date)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RiderID, r.Pickup.Loc.Lat, r.Pickup.Loc.Lon, r.Pickup.Address,
		r.Dropoff.Loc.Lat, r.Dropoff.Loc.Lon, r.Dropoff.Address,
		r.Fare, r.ETAMinutes, r.RideType, r.Status, nullable(r.DriverID),
		r.PassengerCount, r.CreatedAt, r.BookingDate)
	return apperr.Store("insert ride_request", err)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	var r models.RideRequest
	var driverID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lon, pickup_address,
		       dropoff_lat, dropoff_lon, dropoff_address,
		       fare, eta_minutes, ride_type, status, driver_id,
		       passenger_count, created_at, booking_date
		FROM ride_requests WHERE id=$1`, id).Scan(
		&r.ID, &r.RiderID, &r.Pickup.Loc.Lat, &r.Pickup.Loc.Lon, &r.Pickup.Address,
		&r.Dropoff.Loc.Lat, &r.Dropoff.Loc.Lon, &r.Dropoff.Address,
		&r.Fare, &r.ETAMinutes, &r.RideType, &r.Status, &driverID,
		&r.PassengerCount, &r.CreatedAt, &r.BookingDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("select ride_request", err)
	}
	r.DriverID = driverID.String
	return &r, nil
}

func (p *PostgresStore) AcceptRequest(ctx context.Context, id, driverID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests SET driver_id=$1, status=$2
		WHERE id=$3 AND status=$4`,
		driverID, models.RequestAccepted, id, models.RequestPending)
	if err != nil {
		return 0, apperr.Store("accept ride_request", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (int64, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests SET status=$1
		WHERE id=$2 AND status = ANY($3)`,
		to, id, pq.Array(states))
	if err != nil {
		return 0, apperr.Store("update ride_request status", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) ExpirePending(ctx context.Context, createdBefore time.Time) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE ride_requests SET status=$1
		WHERE status=$2 AND created_at < $3
		RETURNING id, rider_id, pickup_lat, pickup_lon, pickup_address,
		          dropoff_lat, dropoff_lon, dropoff_address,
		          fare, eta_minutes, ride_type, status, driver_id,
		          passenger_count, created_at, booking_date`,
		models.RequestExpired, models.RequestPending, createdBefore)
	if err != nil {
		return nil, apperr.Store("expire ride_requests", err)
	}
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		var r models.RideRequest
		var driverID sql.NullString
		if err := rows.Scan(
			&r.ID, &r.RiderID, &r.Pickup.Loc.Lat, &r.Pickup.Loc.Lon, &r.Pickup.Address,
			&r.Dropoff.Loc.Lat, &r.Dropoff.Loc.Lon, &r.Dropoff.Address,
			&r.Fare, &r.ETAMinutes, &r.RideType, &r.Status, &driverID,
			&r.PassengerCount, &r.CreatedAt, &r.BookingDate); err != nil {
			return nil, apperr.Store("scan expired ride_request", err)
		}
		r.DriverID = driverID.String
		out = append(out, r)
	}
	return out, apperr.Store("expire ride_requests", rows.Err())
}

// ConfirmRequest runs the status flip and the ride insert in one
// transaction, so a failed insert never strands a confirmed request
// without its ride.
func (p *PostgresStore) ConfirmRequest(ctx context.Context, requestID string, r *models.Ride) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Store("begin confirm", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ride_requests SET status=$1
		WHERE id=$2 AND status=$3`,
		models.RequestConfirmed, requestID, models.RequestAccepted)
	if err != nil {
		return 0, apperr.Store("confirm ride_request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Store("confirm ride_request", err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rides(
			id, request_id, rider_id, driver_id,
			pickup_lat, pickup_lon, pickup_address,
			dropoff_lat, dropoff_lon, dropoff_address,
			status, fare, distance_meters, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.RequestID, r.RiderID, r.DriverID,
		r.Pickup.Loc.Lat, r.Pickup.Loc.Lon, r.Pickup.Address,
		r.Dropoff.Loc.Lat, r.Dropoff.Loc.Lon, r.Dropoff.Address,
		r.Status, r.Fare, r.DistanceMeters, r.CreatedAt, r.UpdatedAt); err != nil {
		return 0, apperr.Store("insert ride", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Store("commit confirm", err)
	}
	return n, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	err := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, rider_id, driver_id,
		       pickup_lat, pickup_lon, pickup_address,
		       dropoff_lat, dropoff_lon, dropoff_address,
		       status, fare, distance_meters, created_at, updated_at
		FROM rides WHERE id=$1`, id).Scan(
		&r.ID, &r.RequestID, &r.RiderID, &r.DriverID,
		&r.Pickup.Loc.Lat, &r.Pickup.Loc.Lon, &r.Pickup.Address,
		&r.Dropoff.Loc.Lat, &r.Dropoff.Loc.Lon, &r.Dropoff.Address,
		&r.Status, &r.Fare, &r.DistanceMeters, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("select ride", err)
	}
	return &r, nil
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, from models.RideStatus, to models.RideStatus) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status=$1, updated_at=$2
		WHERE id=$3 AND status=$4`,
		to, time.Now(), id, from)
	if err != nil {
		return 0, apperr.Store("update ride status", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vehicles(driver_id, plate, ride_type, active)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (driver_id) DO UPDATE
		SET plate=EXCLUDED.plate, ride_type=EXCLUDED.ride_type, active=EXCLUDED.active`,
		v.DriverID, v.Plate, v.RideType, v.Active)
	return apperr.Store("upsert vehicle", err)
}

func (p *PostgresStore) ActiveVehicle(ctx context.Context, driverID string) (*models.Vehicle, error) {
	var v models.Vehicle
	err := p.db.QueryRowContext(ctx, `
		SELECT driver_id, plate, ride_type, active
		FROM vehicles WHERE driver_id=$1 AND active=true`, driverID).Scan(
		&v.DriverID, &v.Plate, &v.RideType, &v.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("select vehicle", err)
	}
	return &v, nil
}
