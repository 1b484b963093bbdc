package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var loadRowColumns = []string{
	"id", "load_number", "status", "fields", "missing_fields", "is_complete", "complexity_flags",
	"complexity_rationale", "requires_human_review", "manual_extraction", "thread_id", "shipper_email",
	"subject", "latest_message_id", "follow_up_count", "version", "qualified_at", "archived_at",
	"created_at", "updated_at",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS loads`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NextLoadNumber(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT nextval\('load_number_seq'\)`).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(42)))

	n, err := s.NextLoadNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLoad_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM loads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLoad(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLoad(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM loads WHERE id = \$1`).
		WithArgs("load-1").
		WillReturnRows(pgxmock.NewRows(loadRowColumns).AddRow(
			"load-1", "LD-42", model.LoadStatusIncomplete, []byte(`{"origin_zip":"60601"}`), []string{"dest_zip"}, false,
			[]string{}, "", false, false, "thread-1", "ops@shipper.test",
			"Load tender", "<m1>", 1, 2, &now, &now, now, now,
		))
	mock.ExpectQuery(`FROM load_events WHERE load_id = \$1 ORDER BY seq`).
		WithArgs("load-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "load_id", "ts", "direction", "type", "fields", "message_id", "body", "note"}).
			AddRow("e-1", "load-1", now, model.DirectionInbound, model.EventLoadTender, []string{}, "<m1>", "Need a van", "").
			AddRow("e-2", "load-1", now, model.DirectionOutbound, model.EventInfoRequested, []string{"dest_zip"}, "<m2>", "", ""))

	l, err := s.GetLoad(context.Background(), "load-1")
	require.NoError(t, err)
	assert.Equal(t, "LD-42", l.LoadNumber)
	assert.Equal(t, model.LoadStatusIncomplete, l.Status)
	assert.Equal(t, "60601", l.Fields.String("origin_zip"))
	assert.Equal(t, 2, l.Version)
	require.Len(t, l.Events, 2)
	assert.Empty(t, l.Events[0].Fields)
	assert.Equal(t, []string{"dest_zip"}, l.Events[1].Fields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateLoad(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO loads`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO load_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	l := &model.Load{
		LoadNumber: "LD-1",
		Status:     model.LoadStatusReceived,
		Events:     []model.ConversationEvent{{Direction: model.DirectionInbound, Type: model.EventLoadTender}},
	}
	require.NoError(t, s.CreateLoad(context.Background(), l))
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, l.ID, l.Events[0].LoadID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLoad_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE loads SET .+ WHERE id = \$17 AND version = \$18`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM loads WHERE id = \$1`).
		WithArgs("load-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	l := &model.Load{ID: "load-1", Version: 3, Status: model.LoadStatusWithdrawn, Fields: model.Fields{}}
	err := s.UpdateLoad(context.Background(), l, model.ConversationEvent{Type: model.EventWithdrawn})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrConflict))
	assert.Equal(t, 3, l.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLoad_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE loads SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO load_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	l := &model.Load{ID: "load-1", Version: 1, Status: model.LoadStatusQualified, Fields: model.Fields{}}
	require.NoError(t, s.UpdateLoad(context.Background(), l, model.ConversationEvent{Type: model.EventQualified}))
	assert.Equal(t, 2, l.Version)
	require.Len(t, l.Events, 1)
	assert.Equal(t, "load-1", l.Events[0].LoadID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLoads_BuildsFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM loads WHERE true AND status = \$1 AND shipper_email = \$2 ORDER BY created_at DESC, seq DESC LIMIT \$3`).
		WithArgs("INCOMPLETE", "ops@shipper.test", 100).
		WillReturnRows(pgxmock.NewRows(loadRowColumns))

	loads, err := s.ListLoads(context.Background(), LoadFilter{Status: model.LoadStatusIncomplete, ShipperEmail: "ops@shipper.test"})
	require.NoError(t, err)
	assert.Empty(t, loads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimAttempt_NotClaimed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO dispatch_attempts .+ ON CONFLICT \(load_id, carrier_id, channel\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "load-1", "c-1", "email", 1, pgxmock.AnyArg(), 3).
		WillReturnError(pgx.ErrNoRows)

	a, ok, err := s.ClaimAttempt(context.Background(), model.DispatchAttempt{LoadID: "load-1", CarrierID: "c-1", Channel: "email", Tier: 1}, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimAttempt_Claimed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO dispatch_attempts`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "load_id", "carrier_id", "channel", "tier", "status", "attempts",
			"external_message_id", "last_error", "escalated", "created_at", "updated_at"}).
			AddRow("a-1", "load-1", "c-1", "email", 1, model.AttemptPending, 1, "", "", false, now, now))

	a, ok, err := s.ClaimAttempt(context.Background(), model.DispatchAttempt{LoadID: "load-1", CarrierID: "c-1", Channel: "email", Tier: 1}, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.AttemptPending, a.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveScores_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"carrier_scores"}, scoreColumns).WillReturnResult(2)

	now := time.Now().UTC()
	err := s.SaveScores(context.Background(), []model.CarrierScore{
		{LoadID: "load-1", CarrierID: "c-1", Total: 90, LoadQualifiedAt: now, ScoredAt: now},
		{LoadID: "load-1", CarrierID: "c-2", Total: 40, LoadQualifiedAt: now, ScoredAt: now},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCarriers_UsesBulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_carriers"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_carriers"}, []string{
		"id", "name", "email", "equipment_types", "preferred_lanes", "coverage_regions",
		"on_time_pct", "claims_ratio_pct", "safety_rating", "typical_margin_pct", "last_active_at",
		"scope", "status",
	}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "carriers"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertCarriers(context.Background(), []model.Carrier{{ID: "c-1", Name: "Acme", Status: model.CarrierActive}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAttempt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dispatch_attempts SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateAttempt(context.Background(), &model.DispatchAttempt{ID: "a-x", Status: model.AttemptSent})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs("dlq-1", "delivery", "load-1", "c-1", "503", "transient", 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		ID: "dlq-1", Kind: resilience.DLQDelivery, LoadID: "load-1", CarrierID: "c-1",
		Error: "503", ErrorType: "transient", Attempts: 3, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListScores_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM carrier_scores`).WithArgs("load-1").WillReturnError(fmt.Errorf("boom"))

	_, err := s.ListScores(context.Background(), "load-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list scores load-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
