package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/evalfarm/pkg/models"
)

const unitColumns = `id, schema_version, generation, trial, individual_num, genome_key, species_id, algo,
	tracks, target_times, controller, results, frame_rate,
	started, started_at, finished, finished_at, failed, error, just_failed, hostname,
	attempts, permanently_failed, failures, low_frame_rate_failures, acked_failures, acked_low_frame_rate,
	fitness, track_fitness, created_at, updated_at`

// dialect holds the statements that differ between SQL backends
type dialect struct {
	name string

	// rebind rewrites ? placeholders into the backend's form
	rebind func(query string) string

	// claimLock is appended to the claim subquery
	claimLock string

	// setSlot is the SET fragment replacing one results slot; it takes the
	// index and the slot JSON as its two parameters
	setSlot string

	// slotCount is the expression measuring the results array
	slotCount string

	// frameRateArg wraps the frame rate placeholder
	frameRateArg string
}

// sqlStore implements the unit store over database/sql. SQLiteStore and
// PostgresStore embed it and supply their dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqlStore) q(query string) string {
	return s.dialect.rebind(query)
}

// UpsertUnit creates or replaces the unit keyed by its identity
func (s *sqlStore) UpsertUnit(ctx context.Context, unit *models.EvaluationUnit) (*models.EvaluationUnit, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}

	algo := unit.Algo
	if algo == "" {
		algo = models.DefaultAlgo
	}

	tracks, err := json.Marshal(unit.Tracks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tracks: %w", err)
	}
	targets, err := json.Marshal(unit.TargetTimes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target times: %w", err)
	}
	results, err := json.Marshal(models.ZeroResults(len(unit.Tracks)))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO units (id, schema_version, generation, trial, individual_num, genome_key, species_id, algo,
			tracks, target_times, controller, results, frame_rate,
			started, started_at, finished, finished_at, failed, error, just_failed, hostname,
			attempts, permanently_failed, fitness, track_fitness, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, ?, NULL, ?, NULL, ?, NULL, 0, ?, NULL, NULL, ?, ?)
		ON CONFLICT (generation, trial, individual_num, algo) DO UPDATE SET
			schema_version = excluded.schema_version,
			genome_key = excluded.genome_key,
			species_id = excluded.species_id,
			tracks = excluded.tracks,
			target_times = excluded.target_times,
			controller = excluded.controller,
			results = excluded.results,
			frame_rate = 0,
			started = excluded.started,
			started_at = NULL,
			finished = excluded.finished,
			finished_at = NULL,
			failed = excluded.failed,
			error = NULL,
			just_failed = excluded.just_failed,
			hostname = NULL,
			attempts = 0,
			permanently_failed = excluded.permanently_failed,
			failures = 0,
			low_frame_rate_failures = 0,
			acked_failures = 0,
			acked_low_frame_rate = 0,
			fitness = NULL,
			track_fitness = NULL,
			updated_at = excluded.updated_at`),
		uuid.New().String(), models.SchemaVersion, unit.Generation, unit.Trial, unit.IndividualNum,
		unit.GenomeKey, unit.SpeciesID, algo, string(tracks), string(targets), unit.SerializedController,
		string(results), false, false, false, false, false, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert unit: %w", err)
	}

	row := tx.QueryRowContext(ctx, s.q(`
		SELECT `+unitColumns+` FROM units
		WHERE generation = ? AND trial = ? AND individual_num = ? AND algo = ?`),
		unit.Generation, unit.Trial, unit.IndividualNum, algo)
	stored, err := scanUnit(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read upserted unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return stored, nil
}

// ClaimOnePending atomically claims the oldest pending unit. The select,
// the conditional update and the read back share one write transaction.
func (s *sqlStore) ClaimOnePending(ctx context.Context, req ClaimRequest) (*models.EvaluationUnit, error) {
	where, args := claimFilter(req).where()
	if req.MaxAttempts > 0 {
		where += " AND attempts < ?"
		args = append(args, req.MaxAttempts)
	}
	if req.ExcludeID != "" {
		where += " AND id <> ?"
		args = append(args, req.ExcludeID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, s.q(`
		SELECT id FROM units
		WHERE `+where+`
		ORDER BY generation ASC, individual_num ASC
		LIMIT 1 `+s.dialect.claimLock), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingUnit
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending unit: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE units
		SET started = ?, started_at = ?, hostname = ?, attempts = attempts + 1, just_failed = ?, updated_at = ?
		WHERE id = ? AND started = ?`),
		true, now, req.Hostname, false, now, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unit %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNoPendingUnit
	}

	unit, err := scanUnit(tx.QueryRowContext(ctx, s.q(`SELECT `+unitColumns+` FROM units WHERE id = ?`), id))
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed unit %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return unit, nil
}

// CountMatching counts units matching filter
func (s *sqlStore) CountMatching(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var count int
	err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM units WHERE "+where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count units: %w", err)
	}
	return count, nil
}

// FindAll returns every unit matching filter in the requested order
func (s *sqlStore) FindAll(ctx context.Context, filter Filter, order Sort) ([]*models.EvaluationUnit, error) {
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+unitColumns+` FROM units
		WHERE `+where+`
		ORDER BY generation ASC, individual_num ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	units := make([]*models.EvaluationUnit, 0)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate units: %w", err)
	}

	if order != SortFIFO {
		sortUnits(units, order)
	}
	return units, nil
}

// FindOne returns the first matching unit in FIFO order
func (s *sqlStore) FindOne(ctx context.Context, filter Filter) (*models.EvaluationUnit, error) {
	where, args := filter.where()
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+unitColumns+` FROM units
		WHERE `+where+`
		ORDER BY generation ASC, individual_num ASC
		LIMIT 1`), args...)

	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnitNotFound
	}
	return unit, err
}

// GetUnit retrieves a unit by ID
func (s *sqlStore) GetUnit(ctx context.Context, id string) (*models.EvaluationUnit, error) {
	return s.FindOne(ctx, Filter{ID: &id})
}

// UpdateFields applies a partial update
func (s *sqlStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	ok, err := s.UpdateFieldsIf(ctx, id, Filter{}, fields)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnitNotFound
	}
	return nil
}

// UpdateFieldsIf applies a partial update while the unit matches guard
func (s *sqlStore) UpdateFieldsIf(ctx context.Context, id string, guard Filter, fields Fields) (bool, error) {
	set, setArgs, err := fields.set()
	if err != nil {
		return false, err
	}
	guard.ID = &id
	where, whereArgs := guard.where()

	result, err := s.db.ExecContext(ctx, s.q("UPDATE units SET "+set+" WHERE "+where), append(setArgs, whereArgs...)...)
	if err != nil {
		return false, fmt.Errorf("failed to update unit %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetTrackResult writes one result slot of an owned, unfinished unit
func (s *sqlStore) SetTrackResult(ctx context.Context, id, hostname string, index int, result models.TrackResult) (bool, error) {
	if index < 0 {
		return false, ErrTrackIndexRange
	}
	slot, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal track result: %w", err)
	}

	rate := s.dialect.frameRateArg
	query := s.q(`
		UPDATE units
		SET ` + s.dialect.setSlot + `,
			frame_rate = CASE WHEN ` + rate + ` > 0 AND (frame_rate = 0 OR ` + rate + ` < frame_rate) THEN ` + rate + ` ELSE frame_rate END,
			updated_at = ?
		WHERE id = ? AND started = ? AND finished = ? AND hostname = ? AND ` + s.dialect.slotCount + ` > ?`)

	res, err := s.db.ExecContext(ctx, query,
		index, string(slot),
		result.FrameRate, result.FrameRate, result.FrameRate,
		time.Now(), id, true, false, hostname, index)
	if err != nil {
		return false, fmt.Errorf("failed to write track %d of unit %s: %w", index, id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	unit, err := s.GetUnit(ctx, id)
	if err != nil {
		return false, err
	}
	if index >= len(unit.Results) {
		return false, ErrTrackIndexRange
	}
	return false, nil
}

// ResetResults zeroes every slot of an owned unit and clears finished
func (s *sqlStore) ResetResults(ctx context.Context, id, hostname string) (bool, error) {
	unit, err := s.GetUnit(ctx, id)
	if err != nil {
		return false, err
	}
	results, err := json.Marshal(models.ZeroResults(len(unit.Tracks)))
	if err != nil {
		return false, fmt.Errorf("failed to marshal results: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE units SET results = ?, frame_rate = 0, finished = ?, updated_at = ?
		WHERE id = ? AND started = ? AND hostname = ?`),
		string(results), false, time.Now(), id, true, hostname)
	if err != nil {
		return false, fmt.Errorf("failed to reset unit %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// DistinctHostnames lists the hostnames on units matching filter
func (s *sqlStore) DistinctHostnames(ctx context.Context, filter Filter) ([]string, error) {
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT hostname FROM units
		WHERE `+where+` AND hostname IS NOT NULL AND hostname <> ''
		ORDER BY hostname`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hostnames: %w", err)
	}
	defer rows.Close()

	hosts := make([]string, 0)
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

// HealthCheck verifies the database connection
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func scanUnit(row rowScanner) (*models.EvaluationUnit, error) {
	var unit models.EvaluationUnit
	var tracks, targets, results, trackFitness []byte
	var startedAt, finishedAt sql.NullTime
	var errMsg, hostname sql.NullString
	var fitness sql.NullFloat64

	err := row.Scan(&unit.ID, &unit.SchemaVersion, &unit.Generation, &unit.Trial, &unit.IndividualNum,
		&unit.GenomeKey, &unit.SpeciesID, &unit.Algo,
		&tracks, &targets, &unit.SerializedController, &results, &unit.FrameRate,
		&unit.Started, &startedAt, &unit.Finished, &finishedAt, &unit.Failed, &errMsg, &unit.JustFailed, &hostname,
		&unit.Attempts, &unit.PermanentlyFailed,
		&unit.Failures, &unit.LowFrameRateFailures, &unit.AckedFailures, &unit.AckedLowFrameRate, &fitness, &trackFitness, &unit.CreatedAt, &unit.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tracks, &unit.Tracks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tracks: %w", err)
	}
	if err := json.Unmarshal(targets, &unit.TargetTimes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target times: %w", err)
	}
	if err := json.Unmarshal(results, &unit.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	if len(trackFitness) > 0 {
		if err := json.Unmarshal(trackFitness, &unit.TrackFitness); err != nil {
			return nil, fmt.Errorf("failed to unmarshal track fitness: %w", err)
		}
	}

	if startedAt.Valid {
		unit.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		unit.FinishedAt = &finishedAt.Time
	}
	if fitness.Valid {
		unit.Fitness = &fitness.Float64
	}
	unit.Error = errMsg.String
	unit.Hostname = hostname.String

	return &unit, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// questionToDollar rewrites ? placeholders into $1, $2, ...
func questionToDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
