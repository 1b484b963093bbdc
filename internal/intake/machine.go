package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/complexity"
	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/metrics"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/store"
)

// conflictRetries bounds re-reads after an optimistic version conflict.
const conflictRetries = 3

// errNoChange tells mutate that fn decided not to write.
var errNoChange = errors.New("no change")

// Deps are the collaborators of a Machine. Escalator and Metrics are optional.
type Deps struct {
	Store      store.Store
	Extractor  Extractor
	Notifier   Notifier
	Escalator  Escalator
	Classifier *complexity.Classifier
	Metrics    *metrics.Collectors
	Now        func() time.Time
}

// Machine is the qualification state machine. It is safe for concurrent use;
// work on one load is serialized, and no lock is held across extraction or
// notification calls.
type Machine struct {
	store      store.Store
	extractor  Extractor
	notifier   Notifier
	escalator  Escalator
	classifier *complexity.Classifier
	metrics    *metrics.Collectors
	now        func() time.Time

	ledger         *Ledger
	resolver       *Resolver
	locks          *keyedMutex
	retry          resilience.RetryConfig
	maxFollowUps   int
	extractTimeout time.Duration
	notifyTimeout  time.Duration
	numberPrefix   string
}

// NewMachine creates a Machine from the intake config.
func NewMachine(cfg config.IntakeConfig, deps Deps) *Machine {
	m := &Machine{
		store:          deps.Store,
		extractor:      deps.Extractor,
		notifier:       deps.Notifier,
		escalator:      deps.Escalator,
		classifier:     deps.Classifier,
		metrics:        deps.Metrics,
		now:            deps.Now,
		ledger:         NewLedger(cfg.RequiredFields, cfg.DefaultPickupHour),
		resolver:       NewResolver(deps.Store),
		locks:          newKeyedMutex(),
		maxFollowUps:   cfg.MaxFollowUps,
		extractTimeout: seconds(cfg.ExtractTimeoutSecs, 30),
		notifyTimeout:  seconds(cfg.NotifyTimeoutSecs, 15),
		numberPrefix:   cfg.LoadNumberPrefix,
	}
	r := cfg.ExtractRetry
	m.retry = resilience.FromMillis(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
	if m.now == nil {
		m.now = time.Now
	}
	if m.classifier == nil {
		m.classifier = complexity.New(complexity.DefaultConfig())
	}
	if m.numberPrefix == "" {
		m.numberPrefix = "LD"
	}
	return m
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

// Ledger returns the field ledger used by the machine.
func (m *Machine) Ledger() *Ledger { return m.ledger }

// Route handles an inbound message. Unless it is marked as a new tender, it
// is first matched to a pending load; when none matches it becomes a new load.
func (m *Machine) Route(ctx context.Context, msg Message) (*model.Load, error) {
	if msg.Intent != IntentNewTender {
		load, err := m.FollowUp(ctx, msg)
		if err == nil || !errors.Is(err, ErrResolutionNotFound) || msg.Intent == IntentFollowUp {
			return load, err
		}
	}
	return m.Receive(ctx, msg)
}

// Receive creates a load from a new request, extracts its fields and runs it
// through completion and qualification.
func (m *Machine) Receive(ctx context.Context, msg Message) (*model.Load, error) {
	n, err := m.store.NextLoadNumber(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "intake: next load number")
	}
	now := m.now().UTC()
	received := msg.ReceivedAt
	if received.IsZero() {
		received = now
	}

	load := &model.Load{
		LoadNumber:      fmt.Sprintf("%s-%d", m.numberPrefix, n),
		Status:          model.LoadStatusReceived,
		Fields:          model.Fields{},
		ComplexityFlags: []string{},
		ThreadID:        msg.threadToken(),
		ShipperEmail:    normalizeEmail(msg.From),
		Subject:         msg.Subject,
		LatestMessageID: msg.MessageID,
		CreatedAt:       now,
		Events: []model.ConversationEvent{{
			Timestamp: received,
			Direction: model.DirectionInbound,
			Type:      model.EventLoadTender,
			MessageID: msg.MessageID,
			Body:      msg.Body,
		}},
	}
	if load.ThreadID == "" {
		load.ThreadID = msg.MessageID
	}
	m.ledger.Recompute(load)
	if err := m.store.CreateLoad(ctx, load); err != nil {
		return nil, eris.Wrap(err, "intake: create load")
	}
	m.metrics.LoadReceived()
	m.metrics.Transition(string(model.LoadStatusReceived))
	zap.L().Info("intake: load received",
		zap.String("load_id", load.ID),
		zap.String("load_number", load.LoadNumber),
		zap.String("shipper", load.ShipperEmail),
	)

	res, attempts, err := m.extract(ctx, load.ID, ExtractRequest{
		FreeText:  load.FreeText(),
		Known:     model.Fields{},
		Requested: m.ledger.Requested(),
	})
	if err != nil {
		return m.failExtraction(ctx, load.ID, attempts, err)
	}

	var needInfo bool
	load, err = m.mutate(ctx, load.ID, func(l *model.Load) ([]model.ConversationEvent, error) {
		if l.Status != model.LoadStatusReceived {
			return nil, errNoChange
		}
		m.ledger.Merge(l, res.Fields, false)
		m.setStatus(l, model.LoadStatusExtracted)
		var events []model.ConversationEvent
		events, needInfo = m.advance(l)
		return events, nil
	})
	if err != nil {
		return load, err
	}
	if needInfo {
		return m.requestInfo(ctx, load.ID)
	}
	return load, nil
}

// FollowUp applies a reply to the pending load it answers. Fields are
// extracted from the reply only, scoped to what is still missing.
func (m *Machine) FollowUp(ctx context.Context, msg Message) (*model.Load, error) {
	res, err := m.resolver.Resolve(ctx, msg.threadToken(), msg.From, msg.Subject)
	if err != nil {
		return nil, err
	}
	pending, err := m.store.GetLoad(ctx, res.Load.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: get load %s", res.Load.ID)
	}
	if seenMessage(pending, msg.MessageID) {
		return pending, nil
	}
	if res.Ambiguous {
		zap.L().Warn("intake: ambiguous follow-up match",
			zap.String("load_id", pending.ID),
			zap.Strings("candidates", res.Candidates),
		)
	}

	inbound := model.ConversationEvent{
		Timestamp: msg.ReceivedAt,
		Direction: model.DirectionInbound,
		Type:      model.EventInfoProvided,
		MessageID: msg.MessageID,
		Body:      msg.Body,
	}
	resolution := resolutionEvent(res)

	extracted, attempts, err := m.extract(ctx, pending.ID, ExtractRequest{
		FreeText:  msg.Body,
		Known:     pending.Fields.Clone(),
		Requested: append([]string(nil), pending.MissingFields...),
	})
	if err != nil {
		// Keep the reply on the log so a human can extract from it.
		if _, merr := m.mutate(ctx, pending.ID, func(l *model.Load) ([]model.ConversationEvent, error) {
			if seenMessage(l, msg.MessageID) {
				return nil, errNoChange
			}
			return withResolution(resolution, inbound), nil
		}); merr != nil {
			zap.L().Error("intake: record unextracted reply", zap.String("load_id", pending.ID), zap.Error(merr))
		}
		return m.failExtraction(ctx, pending.ID, attempts, err)
	}

	var needInfo bool
	load, err := m.mutate(ctx, pending.ID, func(l *model.Load) ([]model.ConversationEvent, error) {
		if l.Status != model.LoadStatusIncomplete || seenMessage(l, msg.MessageID) {
			return nil, errNoChange
		}
		in := inbound
		in.Fields = m.ledger.Merge(l, extracted.Fields, false)
		if msg.MessageID != "" {
			l.LatestMessageID = msg.MessageID
		}
		written := withResolution(resolution, in)
		events, more := m.advance(l, written...)
		needInfo = more
		return append(written, events...), nil
	})
	if err != nil {
		return load, err
	}
	if needInfo {
		return m.requestInfo(ctx, load.ID)
	}
	return load, nil
}

// Correct overwrites field values on a load, as an operator or a later
// shipper message explicitly correcting earlier data. Completion and
// qualification run again.
func (m *Machine) Correct(ctx context.Context, loadID string, fields model.Fields, note string) (*model.Load, error) {
	return m.mutate(ctx, loadID, func(l *model.Load) ([]model.ConversationEvent, error) {
		switch l.Status {
		case model.LoadStatusDispatched, model.LoadStatusWithdrawn, model.LoadStatusFilled:
			return nil, eris.Wrapf(ErrInvalidTransition, "correct load in status %s", l.Status)
		}
		changed := m.ledger.Merge(l, fields, true)
		if len(changed) == 0 {
			return nil, errNoChange
		}
		l.ManualExtraction = false
		events := []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      model.EventCorrection,
			Fields:    changed,
			Note:      note,
		}}
		if l.Status == model.LoadStatusReceived {
			m.setStatus(l, model.LoadStatusExtracted)
		}
		more, _ := m.advance(l)
		return append(events, more...), nil
	})
}

// Reextract reruns extraction over the full conversation of a load that is
// waiting on manual extraction.
func (m *Machine) Reextract(ctx context.Context, loadID string) (*model.Load, error) {
	load, err := m.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: get load %s", loadID)
	}
	if load.Status != model.LoadStatusReceived && load.Status != model.LoadStatusIncomplete {
		return nil, eris.Wrapf(ErrInvalidTransition, "reextract load in status %s", load.Status)
	}
	res, attempts, err := m.extract(ctx, load.ID, ExtractRequest{
		FreeText:  load.FreeText(),
		Known:     load.Fields.Clone(),
		Requested: m.ledger.Wanted(load.Fields),
	})
	if err != nil {
		return m.failExtraction(ctx, load.ID, attempts, err)
	}
	var needInfo bool
	load, err = m.mutate(ctx, load.ID, func(l *model.Load) ([]model.ConversationEvent, error) {
		if l.Status != model.LoadStatusReceived && l.Status != model.LoadStatusIncomplete {
			return nil, errNoChange
		}
		m.ledger.Merge(l, res.Fields, false)
		l.ManualExtraction = false
		if l.Status == model.LoadStatusReceived {
			m.setStatus(l, model.LoadStatusExtracted)
		}
		var events []model.ConversationEvent
		events, needInfo = m.advance(l)
		return events, nil
	})
	if err != nil || !needInfo {
		return load, err
	}
	return m.requestInfo(ctx, load.ID)
}

// advance moves a load whose fields changed through completion and
// qualification. pending are events about to be written with the load; their
// message bodies count toward the classified text. It reports whether more
// information must be requested.
func (m *Machine) advance(l *model.Load, pending ...model.ConversationEvent) ([]model.ConversationEvent, bool) {
	m.ledger.Recompute(l)
	if !l.IsComplete {
		if l.Status != model.LoadStatusIncomplete {
			m.setStatus(l, model.LoadStatusIncomplete)
		}
		return nil, true
	}
	m.setStatus(l, model.LoadStatusComplete)

	text := l.FreeText()
	for _, e := range pending {
		if e.Direction == model.DirectionInbound && e.Body != "" {
			text += "\n\n" + e.Body
		}
	}
	res := m.classifier.Classify(text, l.Fields)
	l.ComplexityFlags = res.Flags
	l.ComplexityRationale = res.Rationale
	l.RequiresHumanReview = res.RequiresReview()

	if l.RequiresHumanReview {
		m.setStatus(l, model.LoadStatusNeedsReview)
		return []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      model.EventNeedsReview,
			Fields:    res.Flags,
			Note:      res.Rationale,
		}}, false
	}
	at := m.now().UTC()
	l.QualifiedAt = &at
	m.setStatus(l, model.LoadStatusQualified)
	return []model.ConversationEvent{{
		Direction: model.DirectionInternal,
		Type:      model.EventQualified,
	}}, false
}

// requestInfo asks the shipper for the fields still missing, or escalates
// once the follow-up cap is reached. Notification failures are recorded on
// the load and do not fail the call.
func (m *Machine) requestInfo(ctx context.Context, loadID string) (*model.Load, error) {
	load, err := m.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: get load %s", loadID)
	}
	if load.Status != model.LoadStatusIncomplete {
		return load, nil
	}

	if load.FollowUpCount >= m.maxFollowUps {
		escalated := false
		load, err = m.mutate(ctx, loadID, func(l *model.Load) ([]model.ConversationEvent, error) {
			if hasEvent(l, model.EventFollowUpLimit) {
				return nil, errNoChange
			}
			escalated = true
			return []model.ConversationEvent{{
				Direction: model.DirectionInternal,
				Type:      model.EventFollowUpLimit,
				Fields:    l.MissingFields,
				Note:      fmt.Sprintf("%d follow-ups sent", l.FollowUpCount),
			}}, nil
		})
		if err != nil {
			return load, err
		}
		if escalated {
			m.escalate(ctx, load, model.EscalateFollowUpLimit,
				fmt.Sprintf("still missing %s after %d follow-ups", strings.Join(load.MissingFields, ", "), load.FollowUpCount))
		}
		return load, nil
	}

	missing := append([]string(nil), load.MissingFields...)
	nctx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	messageID, sendErr := m.notifier.RequestMoreInfo(nctx, load, missing)
	cancel()
	m.metrics.FollowUp(sendErr == nil)

	return m.mutate(ctx, loadID, func(l *model.Load) ([]model.ConversationEvent, error) {
		if sendErr != nil {
			zap.L().Warn("intake: request more info failed", zap.String("load_id", l.ID), zap.Error(sendErr))
			return []model.ConversationEvent{{
				Direction: model.DirectionOutbound,
				Type:      model.EventInfoRequestFailed,
				Fields:    missing,
				Note:      sendErr.Error(),
			}}, nil
		}
		l.FollowUpCount++
		zap.L().Info("intake: requested missing fields",
			zap.String("load_id", l.ID),
			zap.Strings("missing", missing),
			zap.Int("follow_up_count", l.FollowUpCount),
		)
		return []model.ConversationEvent{{
			Direction: model.DirectionOutbound,
			Type:      model.EventInfoRequested,
			Fields:    missing,
			MessageID: messageID,
		}}, nil
	})
}

// extract calls the extractor with retries and a per-attempt timeout.
func (m *Machine) extract(ctx context.Context, loadID string, req ExtractRequest) (*ExtractResult, int, error) {
	attempts := 0
	cfg := m.retry
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, context.Canceled) }
	cfg.OnRetry = resilience.RetryLogger("intake: extract", zap.String("load_id", loadID))

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*ExtractResult, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, m.extractTimeout)
		defer cancel()
		return m.extractor.Extract(actx, req)
	})
	m.metrics.Extraction(err == nil)
	if err != nil {
		return nil, attempts, err
	}
	if res == nil {
		res = &ExtractResult{}
	}
	if res.Fields == nil {
		res.Fields = model.Fields{}
	}
	return res, attempts, nil
}

// failExtraction flags the load for manual extraction, dead-letters the
// failure and escalates. The load keeps its status.
func (m *Machine) failExtraction(ctx context.Context, loadID string, attempts int, cause error) (*model.Load, error) {
	load, err := m.mutate(ctx, loadID, func(l *model.Load) ([]model.ConversationEvent, error) {
		l.ManualExtraction = true
		return []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      model.EventExtractionFailed,
			Note:      fmt.Sprintf("%d attempts: %v", attempts, cause),
		}}, nil
	})
	if err != nil {
		zap.L().Error("intake: flag manual extraction", zap.String("load_id", loadID), zap.Error(err))
	}

	entry := resilience.NewDLQEntry(resilience.DLQExtraction, loadID, "", cause, attempts, m.now())
	if err := m.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("intake: enqueue dlq", zap.String("load_id", loadID), zap.Error(err))
	}
	if load != nil {
		m.escalate(ctx, load, model.EscalateExtractionFailed, cause.Error())
	}

	return load, resilience.NewTransientError(
		eris.Wrapf(ErrExtractionFailure, "load %s after %d attempts: %v", loadID, attempts, cause), 0)
}

func (m *Machine) escalate(ctx context.Context, load *model.Load, reason, detail string) {
	m.metrics.Escalation(reason)
	zap.L().Error("intake: escalating load",
		zap.String("load_id", load.ID),
		zap.String("load_number", load.LoadNumber),
		zap.String("reason", reason),
		zap.String("detail", detail),
	)
	if m.escalator == nil {
		return
	}
	err := m.escalator.Escalate(ctx, model.Escalation{
		LoadID:     load.ID,
		LoadNumber: load.LoadNumber,
		Reason:     reason,
		Detail:     detail,
		At:         m.now().UTC(),
	})
	if err != nil {
		zap.L().Warn("intake: escalation failed", zap.String("load_id", load.ID), zap.Error(err))
	}
}

// mutate reads a load under its lock, applies fn and writes it back with
// the returned events. Version conflicts from writers in other processes
// are retried with a fresh read. errNoChange from fn skips the write.
func (m *Machine) mutate(ctx context.Context, loadID string, fn func(l *model.Load) ([]model.ConversationEvent, error)) (*model.Load, error) {
	unlock := m.locks.Lock(loadID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		load, err := m.store.GetLoad(ctx, loadID)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: get load %s", loadID)
		}
		prev := load.Status
		events, err := fn(load)
		if errors.Is(err, errNoChange) {
			return load, nil
		}
		if err != nil {
			return load, err
		}
		now := m.now().UTC()
		for i := range events {
			if events[i].Timestamp.IsZero() {
				events[i].Timestamp = now
			}
		}
		err = m.store.UpdateLoad(ctx, load, events...)
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			zap.L().Debug("intake: version conflict, retrying", zap.String("load_id", loadID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "intake: update load %s", loadID)
		}
		if load.Status != prev {
			zap.L().Info("intake: load transition",
				zap.String("load_id", load.ID),
				zap.String("from", string(prev)),
				zap.String("status", string(load.Status)),
			)
		}
		return load, nil
	}
}

func (m *Machine) setStatus(l *model.Load, s model.LoadStatus) {
	l.Status = s
	m.metrics.Transition(string(s))
}

func seenMessage(l *model.Load, messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, e := range l.Events {
		if e.Direction == model.DirectionInbound && e.MessageID == messageID {
			return true
		}
	}
	return false
}

func hasEvent(l *model.Load, t model.EventType) bool {
	for _, e := range l.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// resolutionEvent returns the audit event for an ambiguous match, or nil.
func resolutionEvent(res *Resolution) *model.ConversationEvent {
	if !res.Ambiguous {
		return nil
	}
	return &model.ConversationEvent{
		Direction: model.DirectionInternal,
		Type:      model.EventAmbiguousMatch,
		Note:      fmt.Sprintf("picked most recent of %s", strings.Join(res.Candidates, ", ")),
	}
}

func withResolution(resolution *model.ConversationEvent, in model.ConversationEvent) []model.ConversationEvent {
	if resolution == nil {
		return []model.ConversationEvent{in}
	}
	return []model.ConversationEvent{*resolution, in}
}
