package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/intake"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/store"
)

// inbound routes a shipper message. A message whose extraction failed still
// yields its load (flagged for manual extraction) with 202.
func (s *Server) inbound(w http.ResponseWriter, r *http.Request) {
	var msg intake.Message
	if !decode(w, r, &msg) {
		return
	}
	if msg.From == "" || msg.Body == "" {
		writeError(w, http.StatusBadRequest, "from and body are required")
		return
	}

	load, err := s.deps.Intake.Route(r.Context(), msg)
	if err != nil {
		if errors.Is(err, intake.ErrExtractionFailure) && load != nil {
			writeJSON(w, http.StatusAccepted, load)
			return
		}
		fail(w, err)
		return
	}
	s.launchIfQualified(r.Context(), load)
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) listLoads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LoadFilter{
		Status:       model.LoadStatus(q.Get("status")),
		ShipperEmail: q.Get("shipper_email"),
		ThreadID:     q.Get("thread_id"),
		Limit:        intParam(q.Get("limit"), 50),
		Offset:       intParam(q.Get("offset"), 0),
	}
	loads, err := s.deps.Store.ListLoads(r.Context(), filter)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loads)
}

func (s *Server) getLoad(w http.ResponseWriter, r *http.Request) {
	load, err := s.deps.Store.GetLoad(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetLoad(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	events, err := s.deps.Store.ListEvents(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.deps.Scorer.Latest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.deps.Store.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

type correctRequest struct {
	Fields model.Fields `json:"fields"`
	Note   string       `json:"note"`
}

func (s *Server) correct(w http.ResponseWriter, r *http.Request) {
	var req correctRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "fields are required")
		return
	}
	load, err := s.deps.Intake.Correct(r.Context(), chi.URLParam(r, "id"), req.Fields, req.Note)
	if err != nil {
		fail(w, err)
		return
	}
	s.launchIfQualified(r.Context(), load)
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) reextract(w http.ResponseWriter, r *http.Request) {
	load, err := s.deps.Intake.Reextract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, intake.ErrExtractionFailure) && load != nil {
			writeJSON(w, http.StatusAccepted, load)
			return
		}
		fail(w, err)
		return
	}
	s.launchIfQualified(r.Context(), load)
	writeJSON(w, http.StatusOK, load)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.closeLoad(w, r, s.deps.Intake.Withdraw)
}

func (s *Server) fill(w http.ResponseWriter, r *http.Request) {
	s.closeLoad(w, r, s.deps.Intake.MarkFilled)
}

func (s *Server) closeLoad(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*model.Load, error)) {
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	load, err := op(r.Context(), id, req.Reason)
	if err != nil {
		fail(w, err)
		return
	}
	// The schedule re-checks status before every tier; cancelling only cuts
	// a pending wait short.
	if s.deps.Launcher != nil {
		if err := s.deps.Launcher.Cancel(r.Context(), id, string(load.Status)); err != nil {
			zap.L().Warn("api: cancel dispatch", zap.String("load_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	load, err := s.deps.Store.GetLoad(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	if !load.Status.Dispatchable() || load.RequiresHumanReview {
		writeError(w, http.StatusConflict, "load "+load.LoadNumber+" is "+string(load.Status)+" and cannot be dispatched")
		return
	}
	if s.deps.Launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch is not configured")
		return
	}
	if err := s.deps.Launcher.Start(context.WithoutCancel(r.Context()), id); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatching", "load_id": id})
}

func (s *Server) listCarriers(w http.ResponseWriter, r *http.Request) {
	carriers, err := s.deps.Store.ListCarriers(r.Context(), r.URL.Query().Get("active") != "false")
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, carriers)
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.deps.Store.ListDLQ(r.Context(), resilience.DLQFilter{
		Kind:       resilience.DLQKind(q.Get("kind")),
		LoadID:     q.Get("load_id"),
		Unresolved: q.Get("unresolved") != "false",
		Limit:      intParam(q.Get("limit"), 100),
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) resolveDLQ(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ResolveDLQ(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// launchIfQualified starts the tier schedule for a freshly qualified load.
// Failure to launch is logged; the load stays QUALIFIED and can be
// dispatched manually.
func (s *Server) launchIfQualified(ctx context.Context, load *model.Load) {
	if !s.deps.AutoDispatch || s.deps.Launcher == nil || load == nil || load.Status != model.LoadStatusQualified {
		return
	}
	if err := s.deps.Launcher.Start(context.WithoutCancel(ctx), load.ID); err != nil {
		zap.L().Error("api: start dispatch", zap.String("load_id", load.ID), zap.Error(err))
	}
}

func intParam(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
