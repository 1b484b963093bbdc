package monitoring

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedLoad(t *testing.T, st store.Store, status model.LoadStatus, manual bool) *model.Load {
	t.Helper()
	ctx := context.Background()
	n, err := st.NextLoadNumber(ctx)
	require.NoError(t, err)
	l := &model.Load{
		LoadNumber:       fmt.Sprintf("LD-%d", n),
		Status:           status,
		ManualExtraction: manual,
		ShipperEmail:     "dana@shipper.example",
	}
	require.NoError(t, st.CreateLoad(ctx, l))
	return l
}

// failingStore fails ListLoads and delegates everything else.
type failingStore struct {
	store.Store
}

func (failingStore) ListLoads(context.Context, store.LoadFilter) ([]model.Load, error) {
	return nil, errors.New("connection reset")
}

func TestCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedLoad(t, st, model.LoadStatusReceived, true)
	seedLoad(t, st, model.LoadStatusIncomplete, false)
	seedLoad(t, st, model.LoadStatusIncomplete, true)
	seedLoad(t, st, model.LoadStatusNeedsReview, false)
	seedLoad(t, st, model.LoadStatusQualified, false)
	dispatching := seedLoad(t, st, model.LoadStatusDispatching, false)
	seedLoad(t, st, model.LoadStatusDispatched, false)

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.NewDLQEntry(resilience.DLQExtraction, "load-x", "", errors.New("timeout"), 3, time.Now())))

	a, claimed, err := st.ClaimAttempt(ctx, model.DispatchAttempt{
		LoadID: dispatching.ID, CarrierID: "c-1", Channel: "email", Tier: 1,
	}, 3)
	require.NoError(t, err)
	require.True(t, claimed)
	a.Status = model.AttemptFailed
	a.LastError = "503"
	require.NoError(t, st.UpdateAttempt(ctx, a))

	c := NewCollector(st)
	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.Received)
	assert.Equal(t, 2, snap.Incomplete)
	assert.Equal(t, 1, snap.NeedsReview)
	assert.Equal(t, 1, snap.Qualified)
	assert.Equal(t, 1, snap.Dispatching)
	assert.Equal(t, 2, snap.ManualExtraction)
	assert.Equal(t, 0, snap.StaleIncomplete)
	assert.Equal(t, 1, snap.DLQDepth)
	assert.Equal(t, 1, snap.RetryBacklog)
	assert.Equal(t, 24, snap.StaleAfterHours)
}

func TestCollector_StaleIncomplete(t *testing.T) {
	st := newTestStore(t)
	seedLoad(t, st, model.LoadStatusIncomplete, false)

	c := NewCollector(st)
	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StaleIncomplete)

	snap, err = c.Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.StaleIncomplete)
}

func TestCollector_StoreError(t *testing.T) {
	c := NewCollector(failingStore{Store: newTestStore(t)})
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
