package delivery

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/model"
)

// LogSender is a dry-run gateway: it logs what would be sent and reports
// success with a synthetic message id.
type LogSender struct{}

// RequestMoreInfo logs the request.
func (LogSender) RequestMoreInfo(_ context.Context, load *model.Load, missing []string) (string, error) {
	id := "log-" + uuid.NewString()
	zap.L().Info("delivery: request more info (dry run)",
		zap.String("load_id", load.ID),
		zap.String("to", load.ShipperEmail),
		zap.Strings("missing", missing),
		zap.String("message_id", id),
	)
	return id, nil
}

// Dispatch logs the offer.
func (LogSender) Dispatch(_ context.Context, load *model.Load, score model.CarrierScore, tier int) (model.DeliveryResult, error) {
	id := "log-" + uuid.NewString()
	zap.L().Info("delivery: load offer (dry run)",
		zap.String("load_id", load.ID),
		zap.String("carrier_id", score.CarrierID),
		zap.Int("tier", tier),
		zap.Int("score", score.Total),
		zap.String("message_id", id),
	)
	return model.DeliveryResult{Status: model.AttemptSent, ExternalMessageID: id}, nil
}
