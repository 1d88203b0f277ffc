package actions

import (
	"fmt"
	"time"

	"github.com/yungbote/supplements-backend/internal/actions/dependency"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

// base carries what every variant shares; variants embed it and override
// what differs.
type base struct {
	cfg      supplements.ActionConfig
	schemas  *schema.Set
	upstream []string
	// field names the output column of one instance.
	field func(xpath, key string, v *supplements.Version) string
	// value shapes the exported value of one reviewed version.
	value func(v *supplements.Version) any
}

func (b *base) ID() string                       { return b.cfg.ActionID }
func (b *base) Config() supplements.ActionConfig { return b.cfg }
func (b *base) Schemas() *schema.Set             { return b.schemas }
func (b *base) DependsOn() []string              { return append([]string(nil), b.upstream...) }

func (b *base) InstanceKey(p supplements.Payload) string {
	if !b.cfg.AllowMultiple {
		return ""
	}
	return p.String(b.cfg.KeyingField)
}

func (b *base) BuildDependency(question supplements.QuestionSupplement, p supplements.Payload) (*dependency.Upstream, error) {
	if len(b.upstream) == 0 {
		return nil, nil
	}
	return dependency.FindLatestAccepted(question, b.upstream, dependency.Options{})
}

func (b *base) BuildRequest(in RequestInput) (*ProcessRequest, error) {
	return nil, fmt.Errorf("%w: %s is not automatic", ErrInvalidAction, b.cfg.ActionID)
}

func (b *base) newRequest(in RequestInput) *ProcessRequest {
	var upstreamVersion string
	if in.Upstream != nil {
		upstreamVersion = in.Upstream.VersionID
	}
	return &ProcessRequest{
		AssetUID:        in.AssetUID,
		SubmissionUUID:  in.Submission.UUID,
		SubmissionRoot:  in.Submission.RootUUID,
		QuestionXPath:   in.QuestionXPath,
		ActionID:        b.cfg.ActionID,
		Key:             in.Key,
		RequestedAt:     in.RequestedAt,
		UpstreamVersion: upstreamVersion,
	}
}

// ApplyReview updates review metadata in place. Only the newest version is
// ever passed here.
func (b *base) ApplyReview(v *supplements.Version, r Review, now time.Time) error {
	if r.Accepted != nil {
		if v == nil || !v.HasValue() {
			return ErrNothingToAccept
		}
		if *r.Accepted {
			at := now
			v.AcceptedAt = &at
		} else {
			v.AcceptedAt = nil
		}
	}
	if r.Verified != nil {
		if v == nil || !v.HasValue() {
			return ErrNothingToVerify
		}
		v.Verified = *r.Verified
		if *r.Verified {
			at := now
			v.VerifiedAt = &at
		} else {
			v.VerifiedAt = nil
		}
	}
	return nil
}

func (b *base) OutputFields(xpath string, entry *supplements.ActionEntry) []OutputField {
	var out []OutputField
	entry.Each(func(key string, inst *supplements.ActionInstance) {
		v, at, ok := inst.Current()
		if !ok {
			return
		}
		f := OutputField{
			Name:     b.field(xpath, key, v),
			At:       at,
			ActionID: b.cfg.ActionID,
			Version:  v.ID,
		}
		if v.IsDeletion() {
			f.Deleted = true
		} else if b.value != nil {
			f.Value = b.value(v)
		} else {
			f.Value = v.Value()
		}
		out = append(out, f)
	})
	return out
}
