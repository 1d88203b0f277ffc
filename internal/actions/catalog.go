package actions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

// Traits are the fixed behavioral flags of a variant.
type Traits struct {
	AllowMultiple bool
	KeyingField   string
	Automatic     bool
	ReviewMode    supplements.ReviewMode
}

type Factory func(cfg supplements.ActionConfig) (Action, error)

type variant struct {
	traits  Traits
	factory Factory
}

// Catalog maps action ids to their variant.
type Catalog struct {
	mu       sync.RWMutex
	variants map[string]variant
}

func NewCatalog() *Catalog {
	c := &Catalog{variants: map[string]variant{}}
	c.Register(ManualTranscription, Traits{}, newManualTranscription)
	c.Register(ManualTranslation, Traits{AllowMultiple: true, KeyingField: "language"}, newManualTranslation)
	c.Register(AutomaticGoogleTranscription, Traits{Automatic: true, ReviewMode: supplements.ReviewAcceptance}, newAutomaticTranscription)
	c.Register(AutomaticGoogleTranslation, Traits{AllowMultiple: true, KeyingField: "language", Automatic: true, ReviewMode: supplements.ReviewAcceptance}, newAutomaticTranslation)
	c.Register(ManualQual, Traits{AllowMultiple: true, KeyingField: "uuid"}, newManualQual)
	c.Register(AutomaticQual, Traits{AllowMultiple: true, KeyingField: "uuid", Automatic: true, ReviewMode: supplements.ReviewVerification}, newAutomaticQual)
	c.Register(AutomaticChainedQual, Traits{AllowMultiple: true, KeyingField: "uuid", Automatic: true, ReviewMode: supplements.ReviewVerification}, newAutomaticChainedQual)
	return c
}

func (c *Catalog) Register(id string, t Traits, f Factory) {
	if id == "" || f == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[id] = variant{traits: t, factory: f}
}

func (c *Catalog) Traits(id string) (Traits, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[id]
	return v.traits, ok
}

func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.variants))
	for id := range c.variants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the action configured by one stored row.
func (c *Catalog) Build(row supplements.AssetActionConfig) (Action, error) {
	id := strings.TrimSpace(row.ActionID)
	c.mu.RLock()
	v, ok := c.variants[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, row.ActionID)
	}
	if strings.TrimSpace(row.QuestionXPath) == "" {
		return nil, fmt.Errorf("%w: empty question path", ErrInvalidQuestion)
	}
	cfg := supplements.ActionConfig{
		AssetUID:      row.AssetUID,
		QuestionXPath: row.QuestionXPath,
		ActionID:      id,
		AllowMultiple: v.traits.AllowMultiple,
		KeyingField:   v.traits.KeyingField,
		Automatic:     v.traits.Automatic,
		ReviewMode:    v.traits.ReviewMode,
		Params:        json.RawMessage(row.Params),
	}
	a, err := v.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s for %s: %w", id, row.QuestionXPath, err)
	}
	return a, nil
}

// BuildSet instantiates every configured action of an asset.
func (c *Catalog) BuildSet(rows []supplements.AssetActionConfig) (*Set, error) {
	s := &Set{byQuestion: map[string]map[string]Action{}}
	for _, row := range rows {
		a, err := c.Build(row)
		if err != nil {
			return nil, err
		}
		q := s.byQuestion[row.QuestionXPath]
		if q == nil {
			q = map[string]Action{}
			s.byQuestion[row.QuestionXPath] = q
		}
		q[a.ID()] = a
	}
	return s, nil
}

// Set is the configured actions of one asset, by question and action id.
type Set struct {
	byQuestion map[string]map[string]Action
}

func (s *Set) Lookup(xpath, actionID string) (Action, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuestion, xpath)
	}
	q, ok := s.byQuestion[xpath]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuestion, xpath)
	}
	a, ok := q[actionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %q", ErrInvalidAction, actionID, xpath)
	}
	return a, nil
}

// Question returns the actions configured on xpath, ordered by id.
func (s *Set) Question(xpath string) []Action {
	if s == nil {
		return nil
	}
	q := s.byQuestion[xpath]
	ids := make([]string, 0, len(q))
	for id := range q {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Action, 0, len(ids))
	for _, id := range ids {
		out = append(out, q[id])
	}
	return out
}

func (s *Set) XPaths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.byQuestion))
	for k := range s.byQuestion {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
