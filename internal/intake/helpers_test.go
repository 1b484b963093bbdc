package intake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// fakeExtractor answers from fn and records every request.
type fakeExtractor struct {
	mu    sync.Mutex
	calls []ExtractRequest
	fn    func(n int, req ExtractRequest) (*ExtractResult, error)
}

func (f *fakeExtractor) Extract(_ context.Context, req ExtractRequest) (*ExtractResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, req)
}

func (f *fakeExtractor) Calls() []ExtractRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExtractRequest(nil), f.calls...)
}

func returning(fields model.Fields) *fakeExtractor {
	return &fakeExtractor{fn: func(int, ExtractRequest) (*ExtractResult, error) {
		return &ExtractResult{Fields: fields.Clone(), Confidence: 0.9}, nil
	}}
}

type notifyCall struct {
	loadID  string
	missing []string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (f *fakeNotifier) RequestMoreInfo(_ context.Context, load *model.Load, missing []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{loadID: load.ID, missing: missing})
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("out-%d", len(f.calls)), nil
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

var errExtractorDown = errors.New("extractor unavailable")

func testIntakeConfig() config.IntakeConfig {
	return config.IntakeConfig{
		MaxFollowUps:      3,
		LoadNumberPrefix:  "LD",
		DefaultPickupHour: 8,
		ExtractRetry: config.RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 1,
			MaxBackoffMs:     2,
			Multiplier:       1,
		},
	}
}

type harness struct {
	store     *store.SQLiteStore
	extractor *fakeExtractor
	notifier  *fakeNotifier
	escalator *fakeEscalator
	machine   *Machine
}

func newHarness(t *testing.T, cfg config.IntakeConfig, ex *fakeExtractor) *harness {
	t.Helper()
	h := &harness{
		store:     newTestStore(t),
		extractor: ex,
		notifier:  &fakeNotifier{},
		escalator: &fakeEscalator{},
	}
	h.machine = NewMachine(cfg, Deps{
		Store:     h.store,
		Extractor: h.extractor,
		Notifier:  h.notifier,
		Escalator: h.escalator,
		Now:       func() time.Time { return baseTime },
	})
	return h
}

var baseTime = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

func completeFields() model.Fields {
	return model.Fields{
		model.FieldOriginZip: "60601",
		model.FieldDestZip:   "75201",
		model.FieldPickupAt:  "2025-03-10",
		model.FieldEquipment: "dry van",
		model.FieldWeightLb:  "42,000 lbs",
	}
}

func tender(id string) Message {
	return Message{
		MessageID: id,
		ThreadID:  "thread-" + id,
		From:      "Dana Shipper <Dana@Shipper.example>",
		Subject:   "Load tender",
		Body:      "Need a dry van from Chicago 60601 to Dallas 75201, 42,000 lbs, pickup 2025-03-10.",
	}
}

func eventTypes(l *model.Load) []model.EventType {
	out := make([]model.EventType, 0, len(l.Events))
	for _, e := range l.Events {
		out = append(out, e.Type)
	}
	return out
}
