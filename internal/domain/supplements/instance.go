package supplements

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type ActionInstance struct {
	CreatedAt  time.Time  `json:"_dateCreated"`
	ModifiedAt time.Time  `json:"_dateModified"`
	Versions   []*Version `json:"_versions"`
}

func (i *ActionInstance) Newest() *Version {
	if i == nil || len(i.Versions) == 0 {
		return nil
	}
	return i.Versions[0]
}

func (i *ActionInstance) Clone() *ActionInstance {
	if i == nil {
		return nil
	}
	out := &ActionInstance{CreatedAt: i.CreatedAt, ModifiedAt: i.ModifiedAt}
	out.Versions = make([]*Version, 0, len(i.Versions))
	for _, v := range i.Versions {
		out.Versions = append(out.Versions, v.Clone())
	}
	return out
}

func (i *ActionInstance) FindVersion(id string) *Version {
	if i == nil {
		return nil
	}
	for _, v := range i.Versions {
		if v != nil && v.ID == id {
			return v
		}
	}
	return nil
}

// Current walks versions newest-first and stops at the first one that is
// either a deletion or reviewed. The returned time is the deletion's
// creation time or the version's review time.
func (i *ActionInstance) Current() (*Version, time.Time, bool) {
	if i == nil {
		return nil, time.Time{}, false
	}
	for _, v := range i.Versions {
		if v == nil {
			continue
		}
		if v.IsDeletion() {
			return v, v.CreatedAt, true
		}
		if at, ok := v.ReviewedAt(); ok && v.HasValue() {
			return v, at, true
		}
	}
	return nil, time.Time{}, false
}

// ActionEntry is either a single instance or instances keyed by the
// action's keying field (language code, qual question uuid).
type ActionEntry struct {
	Single *ActionInstance
	Keyed  map[string]*ActionInstance
}

func NewKeyedEntry() *ActionEntry {
	return &ActionEntry{Keyed: map[string]*ActionInstance{}}
}

func (e *ActionEntry) IsKeyed() bool { return e != nil && e.Keyed != nil }

func (e *ActionEntry) Get(key string) *ActionInstance {
	if e == nil {
		return nil
	}
	if e.Keyed != nil {
		return e.Keyed[key]
	}
	return e.Single
}

func (e *ActionEntry) Set(key string, inst *ActionInstance) {
	if e.Keyed != nil {
		e.Keyed[key] = inst
		return
	}
	e.Single = inst
}

// Each visits instances in key order; the key is "" for single entries.
func (e *ActionEntry) Each(fn func(key string, inst *ActionInstance)) {
	if e == nil {
		return
	}
	if e.Keyed == nil {
		if e.Single != nil {
			fn("", e.Single)
		}
		return
	}
	keys := make([]string, 0, len(e.Keyed))
	for k := range e.Keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if inst := e.Keyed[k]; inst != nil {
			fn(k, inst)
		}
	}
}

func (e *ActionEntry) Clone() *ActionEntry {
	if e == nil {
		return nil
	}
	if e.Keyed == nil {
		return &ActionEntry{Single: e.Single.Clone()}
	}
	out := NewKeyedEntry()
	for k, v := range e.Keyed {
		out.Keyed[k] = v.Clone()
	}
	return out
}

func (e ActionEntry) MarshalJSON() ([]byte, error) {
	if e.Keyed != nil {
		return json.Marshal(e.Keyed)
	}
	return json.Marshal(e.Single)
}

func (e *ActionEntry) UnmarshalJSON(b []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("action entry: %w", err)
	}
	if _, single := probe["_versions"]; single {
		var inst ActionInstance
		if err := json.Unmarshal(b, &inst); err != nil {
			return fmt.Errorf("action instance: %w", err)
		}
		e.Single, e.Keyed = &inst, nil
		return nil
	}
	keyed := make(map[string]*ActionInstance, len(probe))
	for k, raw := range probe {
		var inst ActionInstance
		if err := json.Unmarshal(raw, &inst); err != nil {
			return fmt.Errorf("action instance %q: %w", k, err)
		}
		keyed[k] = &inst
	}
	e.Single, e.Keyed = nil, keyed
	return nil
}
