package intake

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/model"
)

// Withdraw cancels a load. Pending outreach tiers stop before their next
// dispatch. Withdrawing twice is a no-op.
func (m *Machine) Withdraw(ctx context.Context, loadID, reason string) (*model.Load, error) {
	return m.close(ctx, loadID, model.LoadStatusWithdrawn, model.EventWithdrawn, reason)
}

// MarkFilled records that the load was covered, stopping further outreach.
func (m *Machine) MarkFilled(ctx context.Context, loadID, note string) (*model.Load, error) {
	return m.close(ctx, loadID, model.LoadStatusFilled, model.EventFilled, note)
}

func (m *Machine) close(ctx context.Context, loadID string, to model.LoadStatus, event model.EventType, note string) (*model.Load, error) {
	return m.mutate(ctx, loadID, func(l *model.Load) ([]model.ConversationEvent, error) {
		switch l.Status {
		case to:
			return nil, errNoChange
		case model.LoadStatusWithdrawn, model.LoadStatusFilled:
			return nil, eris.Wrapf(ErrInvalidTransition, "load %s is already %s", l.LoadNumber, l.Status)
		}
		m.setStatus(l, to)
		l.Archive(m.now().UTC())
		return []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      event,
			Note:      note,
		}}, nil
	})
}
