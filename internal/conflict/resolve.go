package conflict

import (
	"fmt"
	"reflect"
)

// Resolve computes the value a strategy selects for c. skip reports that the
// field is left out of the write. The result depends only on c and strategy.
func Resolve(c Conflict, strategy Strategy) (value any, skip bool, err error) {
	switch strategy {
	case UseLocal, LocalWins:
		return c.LocalValue, absent(c.LocalValue), nil
	case UseRemote, RemoteWins:
		return c.RemoteValue, absent(c.RemoteValue), nil
	case Merge, MergeValues:
		return mergeValues(c), false, nil
	case SkipField:
		return nil, true, nil
	case Manual:
		return nil, false, fmt.Errorf("conflict %s: manual strategy needs an explicit choice", c.ID)
	default:
		return nil, false, fmt.Errorf("conflict %s: unknown strategy %q", c.ID, strategy)
	}
}

// mergeValues unions arrays, otherwise takes the more recent side.
func mergeValues(c Conflict) any {
	switch {
	case absent(c.LocalValue):
		return c.RemoteValue
	case absent(c.RemoteValue):
		return c.LocalValue
	}
	l, lok := normalizeSlice(c.LocalValue).([]any)
	r, rok := normalizeSlice(c.RemoteValue).([]any)
	if lok && rok {
		out := make([]any, 0, len(l)+len(r))
		for _, v := range append(append([]any{}, l...), r...) {
			dup := false
			for _, have := range out {
				if reflect.DeepEqual(have, v) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, v)
			}
		}
		return out
	}
	if newer(c.LocalUpdatedAt, c.RemoteUpdatedAt) == UseRemote {
		return c.RemoteValue
	}
	return c.LocalValue
}

// AutoResolve picks a strategy for every conflict. Explicit choices keyed by
// conflict ID win. Auto-resolvable conflicts then take their suggestion, and
// the rest fall back to fallback unless it is Manual or empty. Anything left
// over is returned in an *UnresolvedError.
func AutoResolve(conflicts []Conflict, explicit map[string]Strategy, fallback Strategy) ([]Resolution, error) {
	var (
		out     []Resolution
		pending []Conflict
	)
	for _, c := range conflicts {
		if st, ok := explicit[c.ID]; ok && st != Manual {
			out = append(out, Resolution{ConflictID: c.ID, Strategy: st, ByUser: true})
			continue
		}
		if c.AutoResolvable {
			out = append(out, Resolution{ConflictID: c.ID, Strategy: c.Suggested})
			continue
		}
		if fallback != "" && fallback != Manual {
			out = append(out, Resolution{ConflictID: c.ID, Strategy: fallback})
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) > 0 {
		return nil, &UnresolvedError{Conflicts: pending}
	}
	return out, nil
}

// Plan is the outcome of applying resolutions to a local record.
type Plan struct {
	// Record is what gets written to the remote store.
	Record map[string]any
	// TookRemote is set when any written value came from the remote side.
	TookRemote bool
	// SkipWrite means the remote row is kept as is.
	SkipWrite bool
	// ReplaceDuplicates means all rows for the user are removed before the write.
	ReplaceDuplicates bool
}

// Apply folds resolutions into a copy of local. Every resolution's Value is
// filled in with the value that was chosen.
func Apply(local map[string]any, conflicts []Conflict, resolutions []Resolution) (Plan, error) {
	plan := Plan{Record: make(map[string]any, len(local))}
	for k, v := range local {
		plan.Record[k] = v
	}
	byID := make(map[string]Conflict, len(conflicts))
	for _, c := range conflicts {
		byID[c.ID] = c
	}

	for i := range resolutions {
		r := &resolutions[i]
		c, ok := byID[r.ConflictID]
		if !ok {
			return Plan{}, fmt.Errorf("resolution for unknown conflict %s", r.ConflictID)
		}
		value, skip, err := Resolve(c, r.Strategy)
		if err != nil {
			return Plan{}, err
		}
		r.Value = value

		switch c.Type {
		case VersionConflict:
			// the writer assigns the next version itself
			continue
		case DeletionConflict:
			if keepsRemote(r.Strategy) {
				plan.SkipWrite = true
			} else {
				plan.Record["deleted_at"] = nil
			}
			continue
		case DuplicateRecord:
			if keepsRemote(r.Strategy) {
				plan.SkipWrite = true
			} else {
				plan.ReplaceDuplicates = true
			}
			continue
		}

		if skip {
			delete(plan.Record, c.Field)
			continue
		}
		plan.Record[c.Field] = value
		if !reflect.DeepEqual(normalizeSlice(value), normalizeSlice(c.LocalValue)) {
			plan.TookRemote = true
		}
	}
	return plan, nil
}

func keepsRemote(s Strategy) bool {
	return s == UseRemote || s == RemoteWins || s == SkipField
}
