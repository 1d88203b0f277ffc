package supplements

import (
	"sort"
	"time"
)

const (
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// Payload holds caller-supplied keys only. Bookkeeping lives on Version.
type Payload map[string]any

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Has reports whether key is present, even with a null value.
func (p Payload) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p[key]
	return ok
}

// Pop removes key and returns its value.
func (p Payload) Pop(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[key]
	if ok {
		delete(p, key)
	}
	return v, ok
}

func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Dependency points at the upstream version a result was derived from.
// It never carries the upstream payload.
type Dependency struct {
	ActionID  string `json:"_actionId"`
	VersionID string `json:"_uuid"`
}

type Version struct {
	Data       Payload     `json:"_data"`
	CreatedAt  time.Time   `json:"_dateCreated"`
	AcceptedAt *time.Time  `json:"_dateAccepted,omitempty"`
	Verified   bool        `json:"_verified,omitempty"`
	VerifiedAt *time.Time  `json:"_dateVerified,omitempty"`
	ID         string      `json:"_uuid"`
	Dependency *Dependency `json:"_dependency,omitempty"`
}

func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.Data = v.Data.Clone()
	if v.AcceptedAt != nil {
		t := *v.AcceptedAt
		out.AcceptedAt = &t
	}
	if v.VerifiedAt != nil {
		t := *v.VerifiedAt
		out.VerifiedAt = &t
	}
	if v.Dependency != nil {
		d := *v.Dependency
		out.Dependency = &d
	}
	return &out
}

func (v *Version) Status() string {
	if v == nil {
		return ""
	}
	return v.Data.String("status")
}

func (v *Version) Value() any {
	if v == nil || v.Data == nil {
		return nil
	}
	return v.Data["value"]
}

// HasValue is false for deletions, failures and pending results.
func (v *Version) HasValue() bool {
	if v == nil || v.Data == nil {
		return false
	}
	val, ok := v.Data["value"]
	return ok && val != nil
}

// IsDeletion covers both manual (value=null) and automatic (status=deleted) removals.
func (v *Version) IsDeletion() bool {
	if v == nil {
		return false
	}
	if v.Status() == StatusDeleted {
		return true
	}
	if v.Status() != "" {
		return false
	}
	return v.Data.Has("value") && v.Data["value"] == nil
}

// ReviewedAt is the most recent of the acceptance and verification times.
func (v *Version) ReviewedAt() (time.Time, bool) {
	if v == nil {
		return time.Time{}, false
	}
	var at time.Time
	ok := false
	if v.AcceptedAt != nil {
		at, ok = *v.AcceptedAt, true
	}
	if v.Verified && v.VerifiedAt != nil && (!ok || v.VerifiedAt.After(at)) {
		at, ok = *v.VerifiedAt, true
	}
	return at, ok
}
