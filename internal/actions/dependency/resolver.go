package dependency

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

var ErrUpstreamNotFound = errors.New("upstream result not found")

// Upstream is a resolved, still unsanitized upstream result. Value and
// Language are for immediate consumption only and never stored.
type Upstream struct {
	ActionID   string
	VersionID  string
	Key        string
	Value      any
	Language   string
	ReviewedAt time.Time
}

// Text returns the upstream value when it is a string.
func (u *Upstream) Text() string {
	if u == nil {
		return ""
	}
	s, _ := u.Value.(string)
	return s
}

// Sanitize keeps only the pointer fields.
func (u *Upstream) Sanitize() *supplements.Dependency {
	if u == nil {
		return nil
	}
	return &supplements.Dependency{ActionID: u.ActionID, VersionID: u.VersionID}
}

type Options struct {
	// Key restricts keyed upstream entries to a single instance.
	Key string
	// Language restricts candidates to a base language (e.g. "en" matches "en-GB").
	Language string
}

// FindLatestAccepted returns the most recently reviewed, non-deleted version
// among the given upstream actions of one question.
func FindLatestAccepted(question supplements.QuestionSupplement, upstreamIDs []string, opts Options) (*Upstream, error) {
	var best *Upstream
	for _, id := range upstreamIDs {
		entry := question[id]
		if entry == nil {
			continue
		}
		entry.Each(func(key string, inst *supplements.ActionInstance) {
			if opts.Key != "" && entry.IsKeyed() && key != opts.Key {
				return
			}
			v, at, ok := inst.Current()
			if !ok || v.IsDeletion() || !v.HasValue() {
				return
			}
			lang := preferredLanguage(v.Data)
			if opts.Language != "" && !sameBaseLanguage(lang, opts.Language) {
				return
			}
			if best == nil || at.After(best.ReviewedAt) {
				best = &Upstream{
					ActionID:   id,
					VersionID:  v.ID,
					Key:        key,
					Value:      v.Value(),
					Language:   lang,
					ReviewedAt: at,
				}
			}
		})
	}
	if best == nil {
		return nil, fmt.Errorf("%w: none of %s has an accepted result", ErrUpstreamNotFound, strings.Join(upstreamIDs, ", "))
	}
	return best, nil
}

// preferredLanguage favors a locale refinement over the bare language.
func preferredLanguage(data supplements.Payload) string {
	if loc := strings.TrimSpace(data.String("locale")); loc != "" {
		return loc
	}
	return strings.TrimSpace(data.String("language"))
}

func sameBaseLanguage(a, b string) bool {
	base := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if i := strings.IndexAny(s, "-_"); i > 0 {
			s = s[:i]
		}
		return s
	}
	return base(a) == base(b)
}
