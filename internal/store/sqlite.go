package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Writes are
// serialized through a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS load_numbers (
	n          INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS loads (
	seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
	id                    TEXT NOT NULL UNIQUE,
	load_number           TEXT NOT NULL UNIQUE,
	status                TEXT NOT NULL,
	fields                TEXT NOT NULL DEFAULT '{}',
	missing_fields        TEXT NOT NULL DEFAULT '[]',
	is_complete           INTEGER NOT NULL DEFAULT 0,
	complexity_flags      TEXT NOT NULL DEFAULT '[]',
	complexity_rationale  TEXT NOT NULL DEFAULT '',
	requires_human_review INTEGER NOT NULL DEFAULT 0,
	manual_extraction     INTEGER NOT NULL DEFAULT 0,
	thread_id             TEXT NOT NULL DEFAULT '',
	shipper_email         TEXT NOT NULL DEFAULT '',
	subject               TEXT NOT NULL DEFAULT '',
	latest_message_id     TEXT NOT NULL DEFAULT '',
	follow_up_count       INTEGER NOT NULL DEFAULT 0,
	version               INTEGER NOT NULL DEFAULT 1,
	qualified_at          DATETIME,
	archived_at           DATETIME,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loads_status_sender ON loads(status, shipper_email);
CREATE INDEX IF NOT EXISTS idx_loads_status_thread ON loads(status, thread_id);

CREATE TABLE IF NOT EXISTS load_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	load_id    TEXT NOT NULL REFERENCES loads(id),
	ts         DATETIME NOT NULL,
	direction  TEXT NOT NULL,
	type       TEXT NOT NULL,
	fields     TEXT NOT NULL DEFAULT '[]',
	message_id TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_load_events_load ON load_events(load_id, seq);

CREATE TABLE IF NOT EXISTS carriers (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	email              TEXT NOT NULL DEFAULT '',
	equipment_types    TEXT NOT NULL DEFAULT '[]',
	preferred_lanes    TEXT NOT NULL DEFAULT '[]',
	coverage_regions   TEXT NOT NULL DEFAULT '[]',
	on_time_pct        REAL NOT NULL DEFAULT 0,
	claims_ratio_pct   REAL NOT NULL DEFAULT 0,
	safety_rating      TEXT NOT NULL DEFAULT '',
	typical_margin_pct REAL NOT NULL DEFAULT 0,
	last_active_at     DATETIME,
	scope              TEXT NOT NULL DEFAULT 'regional',
	status             TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS carrier_scores (
	load_id            TEXT NOT NULL REFERENCES loads(id),
	carrier_id         TEXT NOT NULL,
	carrier_name       TEXT NOT NULL DEFAULT '',
	carrier_email      TEXT NOT NULL DEFAULT '',
	lane_score         INTEGER NOT NULL,
	equipment_score    INTEGER NOT NULL,
	performance_score  INTEGER NOT NULL,
	price_score        INTEGER NOT NULL,
	availability_score INTEGER NOT NULL,
	total_score        INTEGER NOT NULL,
	notes              TEXT NOT NULL DEFAULT '[]',
	load_qualified_at  DATETIME NOT NULL,
	scored_at          DATETIME NOT NULL,
	PRIMARY KEY (load_id, scored_at, carrier_id)
);

CREATE TABLE IF NOT EXISTS dispatch_attempts (
	id                  TEXT PRIMARY KEY,
	load_id             TEXT NOT NULL REFERENCES loads(id),
	carrier_id          TEXT NOT NULL,
	channel             TEXT NOT NULL,
	tier                INTEGER NOT NULL,
	status              TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 1,
	external_message_id TEXT NOT NULL DEFAULT '',
	last_error          TEXT NOT NULL DEFAULT '',
	escalated           INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	UNIQUE (load_id, carrier_id, channel)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	load_id     TEXT NOT NULL,
	carrier_id  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'permanent',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Loads ---

func (s *SQLiteStore) NextLoadNumber(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO load_numbers (created_at) VALUES (?)`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: next load number")
	}
	n, err := res.LastInsertId()
	return n, eris.Wrap(err, "sqlite: load number id")
}

func (s *SQLiteStore) CreateLoad(ctx context.Context, load *model.Load) error {
	prepareLoad(load, time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create load")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loads (`+loadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		load.ID, load.LoadNumber, string(load.Status), toJSON(load.Fields), toJSON(nonNil(load.MissingFields)),
		load.IsComplete, toJSON(nonNil(load.ComplexityFlags)), load.ComplexityRationale,
		load.RequiresHumanReview, load.ManualExtraction, load.ThreadID, load.ShipperEmail,
		load.Subject, load.LatestMessageID, load.FollowUpCount, load.Version,
		nullTime(load.QualifiedAt), nullTime(load.ArchivedAt), load.CreatedAt, load.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert load %s", load.ID)
	}

	for _, e := range load.Events {
		if err := insertEventSQLite(ctx, tx, e); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create load")
}

func (s *SQLiteStore) GetLoad(ctx context.Context, id string) (*model.Load, error) {
	l, err := scanLoadSQLite(s.db.QueryRowContext(ctx, `SELECT `+loadColumns+` FROM loads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: load %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get load %s", id)
	}

	l.Events, err = s.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SQLiteStore) UpdateLoad(ctx context.Context, load *model.Load, events ...model.ConversationEvent) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update load")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE loads SET status = ?, fields = ?, missing_fields = ?, is_complete = ?,
		   complexity_flags = ?, complexity_rationale = ?, requires_human_review = ?,
		   manual_extraction = ?, thread_id = ?, shipper_email = ?, subject = ?,
		   latest_message_id = ?, follow_up_count = ?, qualified_at = ?, archived_at = ?,
		   updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(load.Status), toJSON(load.Fields), toJSON(nonNil(load.MissingFields)), load.IsComplete,
		toJSON(nonNil(load.ComplexityFlags)), load.ComplexityRationale, load.RequiresHumanReview,
		load.ManualExtraction, load.ThreadID, load.ShipperEmail, load.Subject,
		load.LatestMessageID, load.FollowUpCount, nullTime(load.QualifiedAt), nullTime(load.ArchivedAt),
		now, load.ID, load.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update load %s", load.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM loads WHERE id = ?`, load.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: load %s", load.ID)
		}
		return eris.Wrapf(ErrConflict, "sqlite: load %s version %d", load.ID, load.Version)
	}

	for i := range events {
		prepareEvent(&events[i], load.ID, now)
		if err := insertEventSQLite(ctx, tx, events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit update load")
	}
	load.Version++
	load.UpdatedAt = now
	load.Events = append(load.Events, events...)
	return nil
}

func (s *SQLiteStore) ListLoads(ctx context.Context, filter LoadFilter) ([]model.Load, error) {
	query := `SELECT ` + loadColumns + ` FROM loads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ShipperEmail != "" {
		query += ` AND shipper_email = ?`
		args = append(args, filter.ShipperEmail)
	}
	if filter.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list loads")
	}
	defer rows.Close()

	var loads []model.Load
	for rows.Next() {
		l, err := scanLoadSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan load")
		}
		loads = append(loads, *l)
	}
	return loads, eris.Wrap(rows.Err(), "sqlite: list loads iterate")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, loadID string) ([]model.ConversationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, load_id, ts, direction, type, fields, message_id, body, note
		 FROM load_events WHERE load_id = ? ORDER BY seq`,
		loadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events %s", loadID)
	}
	defer rows.Close()

	var events []model.ConversationEvent
	for rows.Next() {
		var e model.ConversationEvent
		var fieldsJSON string
		if err := rows.Scan(&e.ID, &e.LoadID, &e.Timestamp, &e.Direction, &e.Type,
			&fieldsJSON, &e.MessageID, &e.Body, &e.Note); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if err := fromJSON(fieldsJSON, &e.Fields); err != nil {
			return nil, err
		}
		if len(e.Fields) == 0 {
			e.Fields = nil
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// --- Carriers ---

func (s *SQLiteStore) UpsertCarriers(ctx context.Context, carriers []model.Carrier) (int64, error) {
	if len(carriers) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert carriers")
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, c := range carriers {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO carriers (`+carrierColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   name = excluded.name, email = excluded.email,
			   equipment_types = excluded.equipment_types, preferred_lanes = excluded.preferred_lanes,
			   coverage_regions = excluded.coverage_regions, on_time_pct = excluded.on_time_pct,
			   claims_ratio_pct = excluded.claims_ratio_pct, safety_rating = excluded.safety_rating,
			   typical_margin_pct = excluded.typical_margin_pct, last_active_at = excluded.last_active_at,
			   scope = excluded.scope, status = excluded.status`,
			c.ID, c.Name, c.Email, toJSON(nonNil(c.EquipmentTypes)), toJSON(nonNil(c.PreferredLanes)),
			toJSON(nonNil(c.CoverageRegions)), c.OnTimePct, c.ClaimsRatioPct, c.SafetyRating,
			c.TypicalMarginPct, nullTime(c.LastActiveAt), string(c.Scope), string(c.Status),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert carrier %s", c.ID)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, eris.Wrap(tx.Commit(), "sqlite: commit upsert carriers")
}

func (s *SQLiteStore) ListCarriers(ctx context.Context, activeOnly bool) ([]model.Carrier, error) {
	query := `SELECT ` + carrierColumns + ` FROM carriers`
	var args []any
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, string(model.CarrierActive))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list carriers")
	}
	defer rows.Close()

	var carriers []model.Carrier
	for rows.Next() {
		var c model.Carrier
		var equipment, lanes, regions string
		var lastActive sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &equipment, &lanes, &regions,
			&c.OnTimePct, &c.ClaimsRatioPct, &c.SafetyRating, &c.TypicalMarginPct,
			&lastActive, &c.Scope, &c.Status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan carrier")
		}
		for _, f := range []struct {
			raw string
			dst *[]string
		}{{equipment, &c.EquipmentTypes}, {lanes, &c.PreferredLanes}, {regions, &c.CoverageRegions}} {
			if err := fromJSON(f.raw, f.dst); err != nil {
				return nil, err
			}
		}
		c.LastActiveAt = timePtr(lastActive)
		carriers = append(carriers, c)
	}
	return carriers, eris.Wrap(rows.Err(), "sqlite: list carriers iterate")
}

// --- Scores ---

func (s *SQLiteStore) SaveScores(ctx context.Context, scores []model.CarrierScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save scores")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sc := range scores {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO carrier_scores (load_id, carrier_id, carrier_name, carrier_email, lane_score,
			   equipment_score, performance_score, price_score, availability_score, total_score,
			   notes, load_qualified_at, scored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sc.LoadID, sc.CarrierID, sc.CarrierName, sc.CarrierEmail, sc.Lane, sc.Equipment,
			sc.Performance, sc.Price, sc.Availability, sc.Total, toJSON(nonNil(sc.Notes)),
			sc.LoadQualifiedAt.UTC(), sc.ScoredAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert score %s/%s", sc.LoadID, sc.CarrierID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save scores")
}

func (s *SQLiteStore) ListScores(ctx context.Context, loadID string) ([]model.CarrierScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT load_id, carrier_id, carrier_name, carrier_email, lane_score, equipment_score,
		        performance_score, price_score, availability_score, total_score, notes,
		        load_qualified_at, scored_at
		 FROM carrier_scores
		 WHERE load_id = ? AND scored_at = (SELECT MAX(scored_at) FROM carrier_scores WHERE load_id = ?)
		 ORDER BY total_score DESC, carrier_id`,
		loadID, loadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list scores %s", loadID)
	}
	defer rows.Close()

	var scores []model.CarrierScore
	for rows.Next() {
		var sc model.CarrierScore
		var notes string
		if err := rows.Scan(&sc.LoadID, &sc.CarrierID, &sc.CarrierName, &sc.CarrierEmail,
			&sc.Lane, &sc.Equipment, &sc.Performance, &sc.Price, &sc.Availability, &sc.Total,
			&notes, &sc.LoadQualifiedAt, &sc.ScoredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score")
		}
		if err := fromJSON(notes, &sc.Notes); err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: list scores iterate")
}

// --- Dispatch attempts ---

func (s *SQLiteStore) ClaimAttempt(ctx context.Context, a model.DispatchAttempt, maxAttempts int) (*model.DispatchAttempt, bool, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	now := time.Now().UTC()

	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO dispatch_attempts
		   (id, load_id, carrier_id, channel, tier, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'PENDING', 1, ?, ?)
		 ON CONFLICT (load_id, carrier_id, channel) DO UPDATE
		 SET status = 'PENDING', attempts = dispatch_attempts.attempts + 1, updated_at = excluded.updated_at
		 WHERE dispatch_attempts.status = 'FAILED'
		   AND dispatch_attempts.attempts < ?
		   AND NOT dispatch_attempts.escalated
		 RETURNING id`,
		a.ID, a.LoadID, a.CarrierID, a.Channel, a.Tier, now, now, maxAttempts,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: claim attempt %s/%s", a.LoadID, a.CarrierID)
	}

	claimed, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts WHERE id = ?`, id))
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: read claimed attempt %s", id)
	}
	return claimed, true, nil
}

func (s *SQLiteStore) UpdateAttempt(ctx context.Context, a *model.DispatchAttempt) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_attempts SET status = ?, external_message_id = ?, last_error = ?,
		   escalated = ?, updated_at = ?
		 WHERE id = ?`,
		string(a.Status), a.ExternalMessageID, a.LastError, a.Escalated, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update attempt %s", a.ID)
	}
	return checkRowsAffected(res, "attempt", a.ID)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, loadID string) ([]model.DispatchAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts WHERE load_id = ? ORDER BY tier, created_at, carrier_id`,
		loadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attempts %s", loadID)
	}
	return collectAttemptsSQLite(rows)
}

func (s *SQLiteStore) ListRetryableAttempts(ctx context.Context, filter AttemptFilter) ([]model.DispatchAttempt, error) {
	stale := filter.StalePendingBefore
	if stale.IsZero() {
		stale = time.Unix(0, 0).UTC()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts
		 WHERE NOT escalated AND (status = 'FAILED' OR (status = 'PENDING' AND updated_at < ?))
		 ORDER BY updated_at LIMIT ?`,
		stale.UTC(), listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retryable attempts")
	}
	return collectAttemptsSQLite(rows)
}

func collectAttemptsSQLite(rows *sql.Rows) ([]model.DispatchAttempt, error) {
	defer rows.Close()
	var out []model.DispatchAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, kind, load_id, carrier_id, error, error_type, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Kind), e.LoadID, e.CarrierID, e.Error, e.ErrorType, e.Attempts, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, kind, load_id, carrier_id, error, error_type, attempts, created_at, resolved_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.LoadID != "" {
		query += ` AND load_id = ?`
		args = append(args, filter.LoadID)
	}
	if filter.Unresolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var resolved sql.NullTime
		if err := rows.Scan(&e.ID, &e.Kind, &e.LoadID, &e.CarrierID, &e.Error, &e.ErrorType,
			&e.Attempts, &e.CreatedAt, &resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.ResolvedAt = timePtr(resolved)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) ResolveDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve dlq %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

func insertEventSQLite(ctx context.Context, tx *sql.Tx, e model.ConversationEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO load_events (id, load_id, ts, direction, type, fields, message_id, body, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LoadID, e.Timestamp.UTC(), string(e.Direction), string(e.Type), toJSON(nonNil(e.Fields)),
		e.MessageID, e.Body, e.Note,
	)
	return eris.Wrapf(err, "sqlite: insert event %s", e.Type)
}

func scanLoadSQLite(row scannable) (*model.Load, error) {
	var l model.Load
	var fields, missing, flags string
	var qualified, archived sql.NullTime
	if err := row.Scan(&l.ID, &l.LoadNumber, &l.Status, &fields, &missing, &l.IsComplete,
		&flags, &l.ComplexityRationale, &l.RequiresHumanReview, &l.ManualExtraction,
		&l.ThreadID, &l.ShipperEmail, &l.Subject, &l.LatestMessageID, &l.FollowUpCount,
		&l.Version, &qualified, &archived, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(fields, &l.Fields); err != nil {
		return nil, err
	}
	if err := fromJSON(missing, &l.MissingFields); err != nil {
		return nil, err
	}
	if err := fromJSON(flags, &l.ComplexityFlags); err != nil {
		return nil, err
	}
	l.QualifiedAt = timePtr(qualified)
	l.ArchivedAt = timePtr(archived)
	return &l, nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func fromJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(raw), dst), "sqlite: decode json column")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
