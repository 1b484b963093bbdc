package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

var (
	baseTime       = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)
	errGatewayDown = errors.New("gateway unavailable")
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// fakeDispatcher records deliveries; fail decides per carrier and per call.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(carrierID string, n int) error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: make(map[string]int)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, load *model.Load, sc model.CarrierScore, tier int) (model.DeliveryResult, error) {
	f.mu.Lock()
	f.calls[sc.CarrierID]++
	n := f.calls[sc.CarrierID]
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(sc.CarrierID, n); err != nil {
			return model.DeliveryResult{}, err
		}
	}
	return model.DeliveryResult{
		Status:            model.AttemptSent,
		ExternalMessageID: fmt.Sprintf("%s/%s/t%d", load.LoadNumber, sc.CarrierID, tier),
	}, nil
}

func (f *fakeDispatcher) Calls(carrierID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[carrierID]
}

func (f *fakeDispatcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeEscalator struct {
	mu   sync.Mutex
	seen []model.Escalation
}

func (f *fakeEscalator) Escalate(_ context.Context, e model.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, e)
	return nil
}

func (f *fakeEscalator) Reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.seen {
		out = append(out, e.Reason)
	}
	return out
}

// fakeScorer returns a fixed run, stamped with the load's qualification
// time as it is when scored.
type fakeScorer struct {
	store  store.Store
	totals map[string]int

	mu     sync.Mutex
	latest []model.CarrierScore
}

func (f *fakeScorer) ScoreLoad(ctx context.Context, loadID string) ([]model.CarrierScore, error) {
	load, err := f.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	scores := make([]model.CarrierScore, 0, len(f.totals))
	for id, total := range f.totals {
		sc := model.CarrierScore{CarrierID: id, CarrierName: "Carrier " + id, LoadID: loadID, Total: total, ScoredAt: baseTime}
		if load.QualifiedAt != nil {
			sc.LoadQualifiedAt = load.QualifiedAt.UTC()
		}
		scores = append(scores, sc)
	}
	sortScores(scores)

	f.mu.Lock()
	f.latest = scores
	f.mu.Unlock()
	return scores, nil
}

func (f *fakeScorer) Latest(context.Context, string) ([]model.CarrierScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CarrierScore(nil), f.latest...), nil
}

func sortScores(s []model.CarrierScore) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Total != s[j].Total {
			return s[i].Total > s[j].Total
		}
		return s[i].CarrierID < s[j].CarrierID
	})
}

func qualifiedLoad(t *testing.T, st store.Store) *model.Load {
	t.Helper()
	q := baseTime.Add(-time.Minute)
	l := &model.Load{
		LoadNumber:   "LD-7",
		Status:       model.LoadStatusQualified,
		IsComplete:   true,
		ShipperEmail: "dana@shipper.example",
		ThreadID:     "thread-7",
		QualifiedAt:  &q,
		Fields: model.Fields{
			model.FieldOriginZip: "60601",
			model.FieldDestZip:   "75201",
			model.FieldEquipment: "Van",
			model.FieldWeightLb:  42000,
		},
	}
	require.NoError(t, st.CreateLoad(context.Background(), l))
	return l
}

// changeLoad applies fn to the stored load, as another component would.
func changeLoad(t *testing.T, st store.Store, id string, fn func(l *model.Load)) {
	t.Helper()
	ctx := context.Background()
	l, err := st.GetLoad(ctx, id)
	require.NoError(t, err)
	fn(l)
	require.NoError(t, st.UpdateLoad(ctx, l))
}

func testOptions() Options {
	return Options{Channel: model.DefaultChannel, Workers: 4, CallTimeout: time.Second, MaxAttempts: 3}
}

func scoresFor(totals map[string]int) []model.CarrierScore {
	out := make([]model.CarrierScore, 0, len(totals))
	for id, total := range totals {
		out = append(out, model.CarrierScore{CarrierID: id, Total: total})
	}
	sortScores(out)
	return out
}

func attemptsByCarrier(t *testing.T, st store.Store, loadID string) map[string]model.DispatchAttempt {
	t.Helper()
	list, err := st.ListAttempts(context.Background(), loadID)
	require.NoError(t, err)
	out := make(map[string]model.DispatchAttempt, len(list))
	for _, a := range list {
		out[a.CarrierID] = a
	}
	return out
}

func eventTypes(l *model.Load) []model.EventType {
	out := make([]model.EventType, 0, len(l.Events))
	for _, e := range l.Events {
		out = append(out, e.Type)
	}
	return out
}

func defaultTiers() []model.OutreachTier {
	return Tiers(config.DefaultTiers())
}
