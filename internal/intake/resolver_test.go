package intake

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

func seedLoad(t *testing.T, st store.Store, number, sender, thread string, status model.LoadStatus, created time.Time) *model.Load {
	t.Helper()
	l := &model.Load{
		LoadNumber:    number,
		Status:        status,
		ShipperEmail:  sender,
		ThreadID:      thread,
		Fields:        model.Fields{model.FieldOriginZip: "60601"},
		MissingFields: []string{model.FieldDestZip},
		CreatedAt:     created,
	}
	require.NoError(t, st.CreateLoad(context.Background(), l))
	return l
}

func TestResolver_ByThread(t *testing.T) {
	st := newTestStore(t)
	want := seedLoad(t, st, "LD-1", "a@shipper.example", "thr-1", model.LoadStatusIncomplete, baseTime)
	seedLoad(t, st, "LD-2", "a@shipper.example", "thr-2", model.LoadStatusIncomplete, baseTime.Add(time.Hour))

	res, err := NewResolver(st).Resolve(context.Background(), "thr-1", "a@shipper.example", "")
	require.NoError(t, err)
	assert.Equal(t, want.ID, res.Load.ID)
	assert.Equal(t, ResolvedByThread, res.Method)
	assert.False(t, res.Ambiguous)
}

func TestResolver_ThreadMissFallsBackToSender(t *testing.T) {
	st := newTestStore(t)
	want := seedLoad(t, st, "LD-1", "a@shipper.example", "thr-1", model.LoadStatusIncomplete, baseTime)
	seedLoad(t, st, "LD-2", "b@shipper.example", "thr-2", model.LoadStatusIncomplete, baseTime)

	res, err := NewResolver(st).Resolve(context.Background(), "unknown-thread", "A@Shipper.example", "Re: details")
	require.NoError(t, err)
	assert.Equal(t, want.ID, res.Load.ID)
	assert.Equal(t, ResolvedBySender, res.Method)
}

func TestResolver_ThreadIgnoresNonIncomplete(t *testing.T) {
	st := newTestStore(t)
	seedLoad(t, st, "LD-1", "a@shipper.example", "thr-1", model.LoadStatusQualified, baseTime)

	_, err := NewResolver(st).Resolve(context.Background(), "thr-1", "a@shipper.example", "")
	assert.ErrorIs(t, err, ErrResolutionNotFound)
}

func TestResolver_SubjectNamesLoad(t *testing.T) {
	st := newTestStore(t)
	older := seedLoad(t, st, "LD-42", "a@shipper.example", "thr-42", model.LoadStatusIncomplete, baseTime)
	seedLoad(t, st, "LD-43", "a@shipper.example", "thr-43", model.LoadStatusIncomplete, baseTime.Add(time.Hour))

	res, err := NewResolver(st).Resolve(context.Background(), "", "a@shipper.example", "Re: LD-42 missing details")
	require.NoError(t, err)
	assert.Equal(t, older.ID, res.Load.ID)
	assert.Equal(t, "LD-42", res.Load.LoadNumber)
	assert.Equal(t, ResolvedBySubject, res.Method)
	assert.False(t, res.Ambiguous)
}

func TestResolver_SubjectTokenBoundary(t *testing.T) {
	st := newTestStore(t)
	seedLoad(t, st, "LD-42", "a@shipper.example", "thr-42", model.LoadStatusIncomplete, baseTime)
	newest := seedLoad(t, st, "LD-43", "a@shipper.example", "thr-43", model.LoadStatusIncomplete, baseTime.Add(time.Hour))

	res, err := NewResolver(st).Resolve(context.Background(), "", "a@shipper.example", "Re: LD-420")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, res.Load.ID)
	assert.True(t, res.Ambiguous)
}

func TestResolver_AmbiguousPicksMostRecent(t *testing.T) {
	st := newTestStore(t)
	seedLoad(t, st, "LD-1", "a@shipper.example", "thr-1", model.LoadStatusIncomplete, baseTime)
	newest := seedLoad(t, st, "LD-2", "a@shipper.example", "thr-2", model.LoadStatusIncomplete, baseTime.Add(time.Hour))

	res, err := NewResolver(st).Resolve(context.Background(), "", "a@shipper.example", "Re: your question")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, res.Load.ID)
	assert.Equal(t, ResolvedByMostRecent, res.Method)
	assert.True(t, res.Ambiguous)
	assert.Equal(t, []string{"LD-2", "LD-1"}, res.Candidates)
}

func TestResolver_NotFound(t *testing.T) {
	st := newTestStore(t)
	seedLoad(t, st, "LD-1", "a@shipper.example", "thr-1", model.LoadStatusIncomplete, baseTime)

	_, err := NewResolver(st).Resolve(context.Background(), "", "nobody@example.com", "hello")
	assert.ErrorIs(t, err, ErrResolutionNotFound)

	_, err = NewResolver(st).Resolve(context.Background(), "", "", "hello")
	assert.ErrorIs(t, err, ErrResolutionNotFound)
}

func TestContainsToken(t *testing.T) {
	assert.True(t, containsToken("RE: LD-42", "LD-42"))
	assert.True(t, containsToken("LD-42: DETAILS", "LD-42"))
	assert.True(t, containsToken("LD-420 AND LD-42", "LD-42"))
	assert.False(t, containsToken("LD-420", "LD-42"))
	assert.False(t, containsToken("XLD-42", "LD-42"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "dana@shipper.example", normalizeEmail("Dana Shipper <Dana@Shipper.example>"))
	assert.Equal(t, "ops@x.example", normalizeEmail("  OPS@x.example "))
	assert.Equal(t, "", normalizeEmail(""))
}

func TestResolver_SubjectMatchesOlderThanFiveCandidates(t *testing.T) {
	st := newTestStore(t)
	oldest := seedLoad(t, st, "LD-100", "a@shipper.example", "thr-100", model.LoadStatusIncomplete, baseTime)
	for i := 1; i <= 6; i++ {
		seedLoad(t, st, fmt.Sprintf("LD-%d", 100+i), "a@shipper.example", fmt.Sprintf("thr-%d", 100+i),
			model.LoadStatusIncomplete, baseTime.Add(time.Duration(i)*time.Hour))
	}

	res, err := NewResolver(st).Resolve(context.Background(), "", "a@shipper.example", "Re: LD-100 weight")
	require.NoError(t, err)
	assert.Equal(t, oldest.ID, res.Load.ID)
	assert.Equal(t, ResolvedBySubject, res.Method)
	assert.Len(t, res.Candidates, 7)
}

type pagedLister struct {
	loads []model.Load
	calls int
}

func (p *pagedLister) ListLoads(_ context.Context, f store.LoadFilter) ([]model.Load, error) {
	p.calls++
	if f.Offset >= len(p.loads) {
		return nil, nil
	}
	end := f.Offset + f.Limit
	if end > len(p.loads) {
		end = len(p.loads)
	}
	return p.loads[f.Offset:end], nil
}

func TestResolver_PagesThroughSenderLoads(t *testing.T) {
	lister := &pagedLister{}
	for i := 0; i < senderPageSize+3; i++ {
		lister.loads = append(lister.loads, model.Load{ID: fmt.Sprintf("l-%d", i), LoadNumber: fmt.Sprintf("LD-%d", i)})
	}

	res, err := NewResolver(lister).Resolve(context.Background(), "", "a@shipper.example", fmt.Sprintf("Re: LD-%d", senderPageSize+2))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("l-%d", senderPageSize+2), res.Load.ID)
	assert.Equal(t, 2, lister.calls)
}
