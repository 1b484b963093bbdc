package scorer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/metrics"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

// ErrNotQualified is returned when scoring is asked for a load that may not
// be dispatched.
var ErrNotQualified = eris.New("scorer: load is not qualified")

// Service scores a stored load against the active carrier roster and
// persists the run.
type Service struct {
	store   store.Store
	scorer  *CarrierScorer
	metrics *metrics.Collectors
	hash    string
	now     func() time.Time
}

// NewService creates a Service. m may be nil.
func NewService(st store.Store, s *CarrierScorer, m *metrics.Collectors) *Service {
	return &Service{store: st, scorer: s, metrics: m, hash: ConfigHash(s.cfg), now: time.Now}
}

// ScoreLoad runs a fresh scoring pass for loadID and saves it. Earlier runs
// stay in the store and are superseded.
func (s *Service) ScoreLoad(ctx context.Context, loadID string) ([]model.CarrierScore, error) {
	load, err := s.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: get load %s", loadID)
	}
	if !load.Status.Dispatchable() || load.RequiresHumanReview {
		return nil, eris.Wrapf(ErrNotQualified, "load %s is %s", load.LoadNumber, load.Status)
	}

	carriers, err := s.store.ListCarriers(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: list carriers")
	}

	scores := s.scorer.Score(load, carriers, s.now())
	if err := s.store.SaveScores(ctx, scores); err != nil {
		return nil, eris.Wrapf(err, "scorer: save scores for %s", loadID)
	}
	s.metrics.CarriersScored(len(scores))

	top := 0
	if len(scores) > 0 {
		top = scores[0].Total
	}
	zap.L().Info("scorer: scored load",
		zap.String("load_id", load.ID),
		zap.String("load_number", load.LoadNumber),
		zap.Int("carriers_considered", len(carriers)),
		zap.Int("carriers_eligible", len(scores)),
		zap.Int("top_score", top),
		zap.String("config_hash", s.hash),
	)
	return scores, nil
}

// Latest returns the most recent saved run for loadID.
func (s *Service) Latest(ctx context.Context, loadID string) ([]model.CarrierScore, error) {
	scores, err := s.store.ListScores(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: latest scores for %s", loadID)
	}
	return scores, nil
}
