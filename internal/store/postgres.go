package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/db"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const loadColumns = `id, load_number, status, fields, missing_fields, is_complete, complexity_flags,
	complexity_rationale, requires_human_review, manual_extraction, thread_id, shipper_email,
	subject, latest_message_id, follow_up_count, version, qualified_at, archived_at, created_at, updated_at`

const attemptColumns = `id, load_id, carrier_id, channel, tier, status, attempts,
	external_message_id, last_error, escalated, created_at, updated_at`

const carrierColumns = `id, name, email, equipment_types, preferred_lanes, coverage_regions,
	on_time_pct, claims_ratio_pct, safety_rating, typical_margin_pct, last_active_at, scope, status`

// preparedStatements are prepared on each new connection for the hot paths
// of the state machine and the tier scheduler.
var preparedStatements = map[string]string{
	"get_load":      `SELECT ` + loadColumns + ` FROM loads WHERE id = $1`,
	"list_events":   `SELECT id, load_id, ts, direction, type, fields, message_id, body, note FROM load_events WHERE load_id = $1 ORDER BY seq`,
	"list_attempts": `SELECT ` + attemptColumns + ` FROM dispatch_attempts WHERE load_id = $1 ORDER BY tier, created_at, carrier_id`,
	"claim_attempt": claimAttemptSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE SEQUENCE IF NOT EXISTS load_number_seq;

CREATE TABLE IF NOT EXISTS loads (
	seq                   BIGSERIAL,
	id                    TEXT PRIMARY KEY,
	load_number           TEXT NOT NULL UNIQUE,
	status                TEXT NOT NULL,
	fields                JSONB NOT NULL DEFAULT '{}',
	missing_fields        TEXT[] NOT NULL DEFAULT '{}',
	is_complete           BOOLEAN NOT NULL DEFAULT false,
	complexity_flags      TEXT[] NOT NULL DEFAULT '{}',
	complexity_rationale  TEXT NOT NULL DEFAULT '',
	requires_human_review BOOLEAN NOT NULL DEFAULT false,
	manual_extraction     BOOLEAN NOT NULL DEFAULT false,
	thread_id             TEXT NOT NULL DEFAULT '',
	shipper_email         TEXT NOT NULL DEFAULT '',
	subject               TEXT NOT NULL DEFAULT '',
	latest_message_id     TEXT NOT NULL DEFAULT '',
	follow_up_count       INTEGER NOT NULL DEFAULT 0,
	version               INTEGER NOT NULL DEFAULT 1,
	qualified_at          TIMESTAMPTZ,
	archived_at           TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_loads_status_sender ON loads(status, shipper_email, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_loads_status_thread ON loads(status, thread_id, created_at DESC);

CREATE TABLE IF NOT EXISTS load_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	load_id    TEXT NOT NULL REFERENCES loads(id),
	ts         TIMESTAMPTZ NOT NULL,
	direction  TEXT NOT NULL,
	type       TEXT NOT NULL,
	fields     TEXT[] NOT NULL DEFAULT '{}',
	message_id TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_load_events_load ON load_events(load_id, seq);

CREATE TABLE IF NOT EXISTS carriers (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	email              TEXT NOT NULL DEFAULT '',
	equipment_types    TEXT[] NOT NULL DEFAULT '{}',
	preferred_lanes    TEXT[] NOT NULL DEFAULT '{}',
	coverage_regions   TEXT[] NOT NULL DEFAULT '{}',
	on_time_pct        DOUBLE PRECISION NOT NULL DEFAULT 0,
	claims_ratio_pct   DOUBLE PRECISION NOT NULL DEFAULT 0,
	safety_rating      TEXT NOT NULL DEFAULT '',
	typical_margin_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_active_at     TIMESTAMPTZ,
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
	notes              TEXT[] NOT NULL DEFAULT '{}',
	load_qualified_at  TIMESTAMPTZ NOT NULL,
	scored_at          TIMESTAMPTZ NOT NULL,
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
	escalated           BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (load_id, carrier_id, channel)
);

CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_status ON dispatch_attempts(status, updated_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	load_id     TEXT NOT NULL,
	carrier_id  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'permanent',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dlq_load ON dead_letter_queue(load_id);
`

// claimAttemptSQL only revives FAILED rows; a row that is PENDING, SENT or
// DELIVERED yields no RETURNING row and therefore no claim.
const claimAttemptSQL = `INSERT INTO dispatch_attempts
	(id, load_id, carrier_id, channel, tier, status, attempts, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, 'PENDING', 1, $6, $6)
	ON CONFLICT (load_id, carrier_id, channel) DO UPDATE
	SET status = 'PENDING', attempts = dispatch_attempts.attempts + 1, updated_at = excluded.updated_at
	WHERE dispatch_attempts.status = 'FAILED'
	  AND dispatch_attempts.attempts < $7
	  AND NOT dispatch_attempts.escalated
	RETURNING ` + attemptColumns

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Loads ---

func (s *PostgresStore) NextLoadNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT nextval('load_number_seq')`).Scan(&n)
	return n, eris.Wrap(err, "postgres: next load number")
}

func (s *PostgresStore) CreateLoad(ctx context.Context, load *model.Load) error {
	prepareLoad(load, time.Now().UTC())

	fieldsJSON, err := json.Marshal(load.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create load")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO loads (`+loadColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		load.ID, load.LoadNumber, string(load.Status), fieldsJSON, nonNil(load.MissingFields), load.IsComplete,
		nonNil(load.ComplexityFlags), load.ComplexityRationale, load.RequiresHumanReview, load.ManualExtraction,
		load.ThreadID, load.ShipperEmail, load.Subject, load.LatestMessageID, load.FollowUpCount, load.Version,
		load.QualifiedAt, load.ArchivedAt, load.CreatedAt, load.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert load %s", load.ID)
	}

	for _, e := range load.Events {
		if err := insertEventPG(ctx, tx, e); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create load")
}

func (s *PostgresStore) GetLoad(ctx context.Context, id string) (*model.Load, error) {
	l, err := scanLoadPG(s.pool.QueryRow(ctx, `SELECT `+loadColumns+` FROM loads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: load %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get load %s", id)
	}

	l.Events, err = s.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) UpdateLoad(ctx context.Context, load *model.Load, events ...model.ConversationEvent) error {
	now := time.Now().UTC()
	fieldsJSON, err := json.Marshal(load.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update load")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE loads SET status = $1, fields = $2, missing_fields = $3, is_complete = $4,
		   complexity_flags = $5, complexity_rationale = $6, requires_human_review = $7,
		   manual_extraction = $8, thread_id = $9, shipper_email = $10, subject = $11,
		   latest_message_id = $12, follow_up_count = $13, qualified_at = $14, archived_at = $15,
		   updated_at = $16, version = version + 1
		 WHERE id = $17 AND version = $18`,
		string(load.Status), fieldsJSON, nonNil(load.MissingFields), load.IsComplete,
		nonNil(load.ComplexityFlags), load.ComplexityRationale, load.RequiresHumanReview,
		load.ManualExtraction, load.ThreadID, load.ShipperEmail, load.Subject,
		load.LatestMessageID, load.FollowUpCount, load.QualifiedAt, load.ArchivedAt,
		now, load.ID, load.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update load %s", load.ID)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM loads WHERE id = $1`, load.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: load %s", load.ID)
		}
		return eris.Wrapf(ErrConflict, "postgres: load %s version %d", load.ID, load.Version)
	}

	for i := range events {
		prepareEvent(&events[i], load.ID, now)
		if err := insertEventPG(ctx, tx, events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit update load")
	}
	load.Version++
	load.UpdatedAt = now
	load.Events = append(load.Events, events...)
	return nil
}

func (s *PostgresStore) ListLoads(ctx context.Context, filter LoadFilter) ([]model.Load, error) {
	query := `SELECT ` + loadColumns + ` FROM loads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ShipperEmail != "" {
		query += fmt.Sprintf(` AND shipper_email = $%d`, argIdx)
		args = append(args, filter.ShipperEmail)
		argIdx++
	}
	if filter.ThreadID != "" {
		query += fmt.Sprintf(` AND thread_id = $%d`, argIdx)
		args = append(args, filter.ThreadID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, seq DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list loads")
	}
	defer rows.Close()

	var loads []model.Load
	for rows.Next() {
		l, err := scanLoadPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan load")
		}
		loads = append(loads, *l)
	}
	return loads, eris.Wrap(rows.Err(), "postgres: list loads iterate")
}

func (s *PostgresStore) ListEvents(ctx context.Context, loadID string) ([]model.ConversationEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, load_id, ts, direction, type, fields, message_id, body, note
		 FROM load_events WHERE load_id = $1 ORDER BY seq`,
		loadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events %s", loadID)
	}
	defer rows.Close()

	var events []model.ConversationEvent
	for rows.Next() {
		var e model.ConversationEvent
		if err := rows.Scan(&e.ID, &e.LoadID, &e.Timestamp, &e.Direction, &e.Type,
			&e.Fields, &e.MessageID, &e.Body, &e.Note); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if len(e.Fields) == 0 {
			e.Fields = nil
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// --- Carriers ---

func (s *PostgresStore) UpsertCarriers(ctx context.Context, carriers []model.Carrier) (int64, error) {
	rows := make([][]any, len(carriers))
	for i, c := range carriers {
		rows[i] = []any{
			c.ID, c.Name, c.Email, nonNil(c.EquipmentTypes), nonNil(c.PreferredLanes), nonNil(c.CoverageRegions),
			c.OnTimePct, c.ClaimsRatioPct, c.SafetyRating, c.TypicalMarginPct, c.LastActiveAt,
			string(c.Scope), string(c.Status),
		}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "carriers",
		Columns: []string{
			"id", "name", "email", "equipment_types", "preferred_lanes", "coverage_regions",
			"on_time_pct", "claims_ratio_pct", "safety_rating", "typical_margin_pct", "last_active_at",
			"scope", "status",
		},
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert carriers")
}

func (s *PostgresStore) ListCarriers(ctx context.Context, activeOnly bool) ([]model.Carrier, error) {
	query := `SELECT ` + carrierColumns + ` FROM carriers`
	var args []any
	if activeOnly {
		query += ` WHERE status = $1`
		args = append(args, string(model.CarrierActive))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list carriers")
	}
	defer rows.Close()

	var carriers []model.Carrier
	for rows.Next() {
		var c model.Carrier
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.EquipmentTypes, &c.PreferredLanes,
			&c.CoverageRegions, &c.OnTimePct, &c.ClaimsRatioPct, &c.SafetyRating,
			&c.TypicalMarginPct, &c.LastActiveAt, &c.Scope, &c.Status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan carrier")
		}
		carriers = append(carriers, c)
	}
	return carriers, eris.Wrap(rows.Err(), "postgres: list carriers iterate")
}

// --- Scores ---

var scoreColumns = []string{
	"load_id", "carrier_id", "carrier_name", "carrier_email", "lane_score", "equipment_score",
	"performance_score", "price_score", "availability_score", "total_score", "notes",
	"load_qualified_at", "scored_at",
}

func (s *PostgresStore) SaveScores(ctx context.Context, scores []model.CarrierScore) error {
	rows := make([][]any, len(scores))
	for i, sc := range scores {
		rows[i] = []any{
			sc.LoadID, sc.CarrierID, sc.CarrierName, sc.CarrierEmail, sc.Lane, sc.Equipment,
			sc.Performance, sc.Price, sc.Availability, sc.Total, nonNil(sc.Notes),
			sc.LoadQualifiedAt, sc.ScoredAt,
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "carrier_scores", scoreColumns, rows)
	return eris.Wrap(err, "postgres: save scores")
}

func (s *PostgresStore) ListScores(ctx context.Context, loadID string) ([]model.CarrierScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT load_id, carrier_id, carrier_name, carrier_email, lane_score, equipment_score,
		        performance_score, price_score, availability_score, total_score, notes,
		        load_qualified_at, scored_at
		 FROM carrier_scores
		 WHERE load_id = $1 AND scored_at = (SELECT MAX(scored_at) FROM carrier_scores WHERE load_id = $1)
		 ORDER BY total_score DESC, carrier_id`,
		loadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list scores %s", loadID)
	}
	defer rows.Close()

	var scores []model.CarrierScore
	for rows.Next() {
		var sc model.CarrierScore
		if err := rows.Scan(&sc.LoadID, &sc.CarrierID, &sc.CarrierName, &sc.CarrierEmail,
			&sc.Lane, &sc.Equipment, &sc.Performance, &sc.Price, &sc.Availability, &sc.Total,
			&sc.Notes, &sc.LoadQualifiedAt, &sc.ScoredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan score")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: list scores iterate")
}

// --- Dispatch attempts ---

func (s *PostgresStore) ClaimAttempt(ctx context.Context, a model.DispatchAttempt, maxAttempts int) (*model.DispatchAttempt, bool, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	claimed, err := scanAttempt(s.pool.QueryRow(ctx, claimAttemptSQL,
		a.ID, a.LoadID, a.CarrierID, a.Channel, a.Tier, time.Now().UTC(), maxAttempts,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: claim attempt %s/%s", a.LoadID, a.CarrierID)
	}
	return claimed, true, nil
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, a *model.DispatchAttempt) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatch_attempts SET status = $1, external_message_id = $2, last_error = $3,
		   escalated = $4, updated_at = $5
		 WHERE id = $6`,
		string(a.Status), a.ExternalMessageID, a.LastError, a.Escalated, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update attempt %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: attempt %s", a.ID)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, loadID string) ([]model.DispatchAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts WHERE load_id = $1 ORDER BY tier, created_at, carrier_id`,
		loadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attempts %s", loadID)
	}
	return collectAttemptsPG(rows)
}

func (s *PostgresStore) ListRetryableAttempts(ctx context.Context, filter AttemptFilter) ([]model.DispatchAttempt, error) {
	stale := filter.StalePendingBefore
	if stale.IsZero() {
		stale = time.Unix(0, 0).UTC()
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts
		 WHERE NOT escalated AND (status = 'FAILED' OR (status = 'PENDING' AND updated_at < $1))
		 ORDER BY updated_at LIMIT $2`,
		stale, listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retryable attempts")
	}
	return collectAttemptsPG(rows)
}

func collectAttemptsPG(rows pgx.Rows) ([]model.DispatchAttempt, error) {
	defer rows.Close()
	var out []model.DispatchAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, kind, load_id, carrier_id, error, error_type, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Kind), e.LoadID, e.CarrierID, e.Error, e.ErrorType, e.Attempts, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, kind, load_id, carrier_id, error, error_type, attempts, created_at, resolved_at
	          FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.LoadID != "" {
		query += fmt.Sprintf(` AND load_id = $%d`, argIdx)
		args = append(args, filter.LoadID)
		argIdx++
	}
	if filter.Unresolved {
		query += ` AND resolved_at IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.LoadID, &e.CarrierID, &e.Error, &e.ErrorType,
			&e.Attempts, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) ResolveDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", id)
	}
	return nil
}

// helpers

func insertEventPG(ctx context.Context, tx pgx.Tx, e model.ConversationEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO load_events (id, load_id, ts, direction, type, fields, message_id, body, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.LoadID, e.Timestamp, string(e.Direction), string(e.Type), nonNil(e.Fields),
		e.MessageID, e.Body, e.Note,
	)
	return eris.Wrapf(err, "postgres: insert event %s", e.Type)
}

func scanLoadPG(row scannable) (*model.Load, error) {
	var l model.Load
	var fieldsJSON []byte
	if err := row.Scan(&l.ID, &l.LoadNumber, &l.Status, &fieldsJSON, &l.MissingFields,
		&l.IsComplete, &l.ComplexityFlags, &l.ComplexityRationale, &l.RequiresHumanReview,
		&l.ManualExtraction, &l.ThreadID, &l.ShipperEmail, &l.Subject, &l.LatestMessageID,
		&l.FollowUpCount, &l.Version, &l.QualifiedAt, &l.ArchivedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &l.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal fields")
	}
	return &l, nil
}
