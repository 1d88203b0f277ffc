package output

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

// Arbitrate picks one winner per output field. The candidate with the most
// recent review time wins; a deletion competes with its creation time and
// wins as an explicit null. Unreviewed versions never compete.
func Arbitrate(s *supplements.SubmissionSupplement, set *actions.Set) []actions.OutputField {
	winners := map[string]actions.OutputField{}
	for _, xpath := range s.XPaths() {
		for _, a := range set.Question(xpath) {
			entry := s.Entry(xpath, a.ID())
			if entry == nil {
				continue
			}
			for _, f := range a.OutputFields(xpath, entry) {
				cur, ok := winners[f.Name]
				if !ok || beats(f, cur) {
					winners[f.Name] = f
				}
			}
		}
	}
	out := make([]actions.OutputField, 0, len(winners))
	for _, f := range winners {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func beats(a, b actions.OutputField) bool {
	if !a.At.Equal(b.At) {
		return a.At.After(b.At)
	}
	return a.Version > b.Version
}

// Flatten maps output field names to current values. Deleted fields map to nil.
func Flatten(s *supplements.SubmissionSupplement, set *actions.Set) map[string]any {
	fields := Arbitrate(s, set)
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if f.Deleted {
			out[f.Name] = nil
			continue
		}
		out[f.Name] = f.Value
	}
	return out
}

// FlattenMany flattens a batch of supplements keyed by submission root uuid.
func FlattenMany(ctx context.Context, batch map[string]*supplements.SubmissionSupplement, set *actions.Set, workers int) (map[string]map[string]any, error) {
	if workers <= 0 {
		workers = 8
	}
	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	results := make([]map[string]any, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = Flatten(batch[k], set)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(keys))
	for i, k := range keys {
		out[k] = results[i]
	}
	return out, nil
}
