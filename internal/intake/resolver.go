package intake

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

// Resolution methods, recorded for audit.
const (
	ResolvedByThread     = "thread"
	ResolvedBySender     = "sender"
	ResolvedBySubject    = "subject"
	ResolvedByMostRecent = "most_recent"
)

// senderPageSize is the page size used when listing a sender's pending loads.
const senderPageSize = 100

// LoadLister is the store surface the resolver needs.
type LoadLister interface {
	ListLoads(ctx context.Context, filter store.LoadFilter) ([]model.Load, error)
}

// Resolution is the outcome of matching a follow-up to a pending load.
type Resolution struct {
	Load *model.Load
	// Method names the rule that picked the load.
	Method string
	// Ambiguous is set when several candidates existed and none was named
	// in the subject.
	Ambiguous  bool
	Candidates []string
}

// Resolver finds the INCOMPLETE load a follow-up message answers.
type Resolver struct {
	loads LoadLister
}

// NewResolver creates a Resolver.
func NewResolver(loads LoadLister) *Resolver {
	return &Resolver{loads: loads}
}

// Resolve returns the pending load for a message, trying the thread token,
// then the sender's pending loads. ErrResolutionNotFound is returned when
// the sender has none.
func (r *Resolver) Resolve(ctx context.Context, threadToken, sender, subject string) (*Resolution, error) {
	if threadToken != "" {
		loads, err := r.loads.ListLoads(ctx, store.LoadFilter{
			Status:   model.LoadStatusIncomplete,
			ThreadID: threadToken,
			Limit:    1,
		})
		if err != nil {
			return nil, eris.Wrap(err, "intake: resolve by thread")
		}
		if len(loads) > 0 {
			return &Resolution{Load: &loads[0], Method: ResolvedByThread, Candidates: []string{loads[0].LoadNumber}}, nil
		}
	}

	sender = normalizeEmail(sender)
	if sender == "" {
		return nil, ErrResolutionNotFound
	}
	loads, err := r.pending(ctx, sender)
	if err != nil {
		return nil, err
	}
	if len(loads) == 0 {
		return nil, ErrResolutionNotFound
	}

	numbers := make([]string, len(loads))
	for i := range loads {
		numbers[i] = loads[i].LoadNumber
	}
	if len(loads) == 1 {
		return &Resolution{Load: &loads[0], Method: ResolvedBySender, Candidates: numbers}, nil
	}

	if i := matchSubject(loads, subject); i >= 0 {
		return &Resolution{Load: &loads[i], Method: ResolvedBySubject, Candidates: numbers}, nil
	}

	return &Resolution{Load: &loads[0], Method: ResolvedByMostRecent, Ambiguous: true, Candidates: numbers}, nil
}

// pending lists every INCOMPLETE load of sender, most recent first.
func (r *Resolver) pending(ctx context.Context, sender string) ([]model.Load, error) {
	var all []model.Load
	for offset := 0; ; offset += senderPageSize {
		page, err := r.loads.ListLoads(ctx, store.LoadFilter{
			Status:       model.LoadStatusIncomplete,
			ShipperEmail: sender,
			Limit:        senderPageSize,
			Offset:       offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "intake: resolve by sender")
		}
		all = append(all, page...)
		if len(page) < senderPageSize {
			return all, nil
		}
	}
}

// matchSubject returns the index of the most recent load whose number
// appears in subject as a whole token, or -1. LD-42 does not match LD-420.
func matchSubject(loads []model.Load, subject string) int {
	subject = strings.ToUpper(subject)
	for i := range loads {
		num := strings.ToUpper(loads[i].LoadNumber)
		if num != "" && containsToken(subject, num) {
			return i
		}
	}
	return -1
}

func containsToken(s, token string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], token)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(token)
		if (start == 0 || !isAlnum(s[start-1])) && (end == len(s) || !isAlnum(s[end])) {
			return true
		}
		from = start + 1
	}
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z'
}
