package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/revise"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
	types "github.com/yungbote/supplements-backend/internal/domain"
)

const patchVersionKey = "_version"

// PatchItem is one payload addressed at one action instance.
type PatchItem struct {
	QuestionXPath string
	Action        actions.Action
	Key           string
	Payload       types.Payload
}

// ParsePatch reads {_version, <xpath>: {<action_id>: payload | {<key>: payload}}}
// and checks every payload against its action's input schema. Keyed actions
// accept a payload carrying the keying field, or a map of key to payload.
func ParsePatch(raw json.RawMessage, set *actions.Set) ([]PatchItem, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/", Err: fmt.Errorf("patch must be an object: %w", err)}
	}
	ver, ok := body[patchVersionKey]
	if !ok {
		return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/" + patchVersionKey, Err: errors.New("missing schema version")}
	}
	var v string
	if err := json.Unmarshal(ver, &v); err != nil || v != types.SchemaVersion {
		return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/" + patchVersionKey, Err: fmt.Errorf("unsupported schema version %s", string(ver))}
	}
	delete(body, patchVersionKey)
	if len(body) == 0 {
		return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/", Err: errors.New("patch addresses no question")}
	}

	xpaths := sortedKeys(body)
	var items []PatchItem
	for _, xpath := range xpaths {
		var byAction map[string]json.RawMessage
		if err := json.Unmarshal(body[xpath], &byAction); err != nil || len(byAction) == 0 {
			return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: "/" + xpath, Err: errors.New("must map action ids to payloads")}
		}
		for _, actionID := range sortedKeys(byAction) {
			a, err := set.Lookup(xpath, actionID)
			if err != nil {
				return nil, err
			}
			payloads, err := expandPayload(a, xpath, byAction[actionID])
			if err != nil {
				return nil, err
			}
			for _, p := range payloads {
				if err := a.Schemas().ValidateInput(p); err != nil {
					return nil, err
				}
				key, err := revise.Key(a, p)
				if err != nil {
					return nil, err
				}
				items = append(items, PatchItem{QuestionXPath: xpath, Action: a, Key: key, Payload: p})
			}
		}
	}
	orderByDependency(items, set)
	return items, nil
}

// orderByDependency runs upstream actions of a question before the actions
// that read them, so one patch can carry a transcript and its translation.
func orderByDependency(items []PatchItem, set *actions.Set) {
	depth := map[string]int{}
	var depthOf func(xpath string, a actions.Action, seen map[string]bool) int
	depthOf = func(xpath string, a actions.Action, seen map[string]bool) int {
		id := xpath + "\x00" + a.ID()
		if d, ok := depth[id]; ok {
			return d
		}
		if seen[id] {
			return 0
		}
		seen[id] = true
		d := 0
		for _, up := range a.DependsOn() {
			ua, err := set.Lookup(xpath, up)
			if err != nil {
				continue
			}
			if n := depthOf(xpath, ua, seen) + 1; n > d {
				d = n
			}
		}
		depth[id] = d
		return d
	}
	for _, it := range items {
		depthOf(it.QuestionXPath, it.Action, map[string]bool{})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].QuestionXPath != items[j].QuestionXPath {
			return items[i].QuestionXPath < items[j].QuestionXPath
		}
		return depth[items[i].QuestionXPath+"\x00"+items[i].Action.ID()] < depth[items[j].QuestionXPath+"\x00"+items[j].Action.ID()]
	})
}

func expandPayload(a actions.Action, xpath string, raw json.RawMessage) ([]types.Payload, error) {
	path := "/" + xpath + "/" + a.ID()
	var p types.Payload
	if err := json.Unmarshal(raw, &p); err != nil || p == nil {
		return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: path, Err: errors.New("payload must be an object")}
	}
	cfg := a.Config()
	if !cfg.AllowMultiple || p.Has(cfg.KeyingField) {
		return []types.Payload{p}, nil
	}
	missing := &schema.SchemaViolation{Kind: schema.KindInput, Path: path + "/" + cfg.KeyingField, Err: fmt.Errorf("missing keying field %q", cfg.KeyingField)}
	if len(p) == 0 {
		return nil, missing
	}
	out := make([]types.Payload, 0, len(p))
	for _, key := range p.Keys() {
		inner, ok := p[key].(map[string]any)
		if !ok {
			return nil, missing
		}
		item := types.Payload(inner)
		if got, ok := item[cfg.KeyingField]; ok && got != key {
			return nil, &schema.SchemaViolation{Kind: schema.KindInput, Path: path + "/" + key + "/" + cfg.KeyingField, Err: fmt.Errorf("does not match key %q", key)}
		}
		item[cfg.KeyingField] = key
		out = append(out, item)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
