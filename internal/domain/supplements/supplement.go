package supplements

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SchemaVersion tags every stored supplement and every patch request.
const SchemaVersion = "20250820"

const versionKey = "_version"

// QuestionSupplement maps action id to its entry for one question.
type QuestionSupplement map[string]*ActionEntry

type SubmissionSupplement struct {
	SchemaVersion string
	Questions     map[string]QuestionSupplement
}

func NewSubmissionSupplement() *SubmissionSupplement {
	return &SubmissionSupplement{SchemaVersion: SchemaVersion, Questions: map[string]QuestionSupplement{}}
}

func (s *SubmissionSupplement) Question(xpath string) QuestionSupplement {
	if s == nil || s.Questions == nil {
		return nil
	}
	return s.Questions[xpath]
}

func (s *SubmissionSupplement) Entry(xpath, actionID string) *ActionEntry {
	return s.Question(xpath)[actionID]
}

// Put stores inst, creating the question and entry on demand.
func (s *SubmissionSupplement) Put(xpath, actionID, key string, keyed bool, inst *ActionInstance) {
	if s.Questions == nil {
		s.Questions = map[string]QuestionSupplement{}
	}
	q := s.Questions[xpath]
	if q == nil {
		q = QuestionSupplement{}
		s.Questions[xpath] = q
	}
	e := q[actionID]
	if e == nil {
		if keyed {
			e = NewKeyedEntry()
		} else {
			e = &ActionEntry{}
		}
		q[actionID] = e
	}
	e.Set(key, inst)
}

func (s *SubmissionSupplement) XPaths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Questions))
	for k := range s.Questions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *SubmissionSupplement) IsEmpty() bool {
	return s == nil || len(s.Questions) == 0
}

func (s *SubmissionSupplement) Clone() *SubmissionSupplement {
	if s == nil {
		return nil
	}
	out := &SubmissionSupplement{SchemaVersion: s.SchemaVersion, Questions: make(map[string]QuestionSupplement, len(s.Questions))}
	for xpath, q := range s.Questions {
		cq := make(QuestionSupplement, len(q))
		for id, e := range q {
			cq[id] = e.Clone()
		}
		out.Questions[xpath] = cq
	}
	return out
}

func (s SubmissionSupplement) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(s.Questions)+1)
	v := s.SchemaVersion
	if v == "" {
		v = SchemaVersion
	}
	flat[versionKey] = v
	for xpath, q := range s.Questions {
		flat[xpath] = q
	}
	return json.Marshal(flat)
}

func (s *SubmissionSupplement) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("supplement: %w", err)
	}
	s.SchemaVersion = ""
	s.Questions = make(map[string]QuestionSupplement, len(raw))
	for k, v := range raw {
		if k == versionKey {
			if err := json.Unmarshal(v, &s.SchemaVersion); err != nil {
				return fmt.Errorf("supplement %s: %w", versionKey, err)
			}
			continue
		}
		var q QuestionSupplement
		if err := json.Unmarshal(v, &q); err != nil {
			return fmt.Errorf("supplement question %q: %w", k, err)
		}
		s.Questions[k] = q
	}
	return nil
}

// SubmissionSupplementRow persists one supplement per (asset, submission root).
type SubmissionSupplementRow struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AssetUID           string         `gorm:"column:asset_uid;not null;uniqueIndex:idx_supplement_asset_root,priority:1" json:"asset_uid"`
	SubmissionRootUUID string         `gorm:"column:submission_root_uuid;not null;uniqueIndex:idx_supplement_asset_root,priority:2" json:"submission_root_uuid"`
	SubmissionUUID     string         `gorm:"column:submission_uuid;index" json:"submission_uuid"`
	Content            datatypes.JSON `gorm:"column:content;type:jsonb" json:"content"`
	CreatedAt          time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (SubmissionSupplementRow) TableName() string { return "submission_supplement" }

func (r *SubmissionSupplementRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *SubmissionSupplementRow) Decode() (*SubmissionSupplement, error) {
	if r == nil || len(r.Content) == 0 {
		return NewSubmissionSupplement(), nil
	}
	var s SubmissionSupplement
	if err := json.Unmarshal(r.Content, &s); err != nil {
		return nil, err
	}
	if s.SchemaVersion == "" {
		s.SchemaVersion = SchemaVersion
	}
	return &s, nil
}
