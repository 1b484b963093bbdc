package intake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/model"
)

func TestWithdraw(t *testing.T) {
	h := newHarness(t, testIntakeConfig(), returning(completeFields()))
	ctx := context.Background()

	load, err := h.machine.Receive(ctx, tender("m1"))
	require.NoError(t, err)

	load, err = h.machine.Withdraw(ctx, load.ID, "shipper cancelled")
	require.NoError(t, err)
	assert.Equal(t, model.LoadStatusWithdrawn, load.Status)
	require.NotNil(t, load.ArchivedAt)
	assert.Equal(t, "shipper cancelled", load.Events[len(load.Events)-1].Note)

	again, err := h.machine.Withdraw(ctx, load.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, load.Version, again.Version)

	_, err = h.machine.MarkFilled(ctx, load.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkFilled(t *testing.T) {
	h := newHarness(t, testIntakeConfig(), returning(completeFields()))
	ctx := context.Background()

	load, err := h.machine.Receive(ctx, tender("m1"))
	require.NoError(t, err)

	load, err = h.machine.MarkFilled(ctx, load.ID, "covered by Acme")
	require.NoError(t, err)
	assert.Equal(t, model.LoadStatusFilled, load.Status)
	assert.NotNil(t, load.ArchivedAt)
	assert.Equal(t, model.EventFilled, load.Events[len(load.Events)-1].Type)

	_, err = h.machine.Withdraw(ctx, load.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSignals_UnknownLoad(t *testing.T) {
	h := newHarness(t, testIntakeConfig(), returning(completeFields()))
	_, err := h.machine.Withdraw(context.Background(), "missing", "")
	assert.Error(t, err)
}
