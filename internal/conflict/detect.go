package conflict

import (
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// Columns that describe a row rather than the user's data.
var metadataFields = map[string]bool{
	"id":          true,
	"user_id":     true,
	"version":     true,
	"created_at":  true,
	"updated_at":  true,
	"sync_status": true,
	"source":      true,
	"deleted_at":  true,
}

// timestampSkew is the largest difference at which two timestamps are equal.
const timestampSkew = time.Second

// Detect compares the local and remote copies of one section. A missing
// remote row is not a conflict: there is nothing to disagree with.
func Detect(section profile.Kind, local, remote map[string]any) []Conflict {
	if remote == nil || local == nil {
		return nil
	}
	localAt := parseTime(local["updated_at"])
	remoteAt := parseTime(remote["updated_at"])
	base := Conflict{Section: section, LocalUpdatedAt: localAt, RemoteUpdatedAt: remoteAt}

	var out []Conflict

	if del, ok := remote["deleted_at"]; ok && !absent(del) {
		c := base
		c.ID = ID(section, "deleted_at")
		c.Field = "deleted_at"
		c.RemoteValue = del
		c.Type = DeletionConflict
		c.Severity = SeverityHigh
		c.Suggested = UseLocal
		out = append(out, c)
	}

	// A remote ahead of local is informational: the upload writes
	// max(local, remote)+1 whatever is chosen, so it never blocks.
	lv, lok := toFloat(local["version"])
	rv, rok := toFloat(remote["version"])
	if lok && rok && rv > lv {
		c := base
		c.ID = ID(section, "version")
		c.Field = "version"
		c.LocalValue = local["version"]
		c.RemoteValue = remote["version"]
		c.Type = VersionConflict
		c.Severity = SeverityMedium
		c.Suggested = newer(localAt, remoteAt)
		c.AutoResolvable = true
		out = append(out, c)
	}

	for _, field := range fieldNames(local, remote) {
		l, r := local[field], remote[field]
		c := base
		c.ID = ID(section, field)
		c.Field = field
		c.LocalValue = l
		c.RemoteValue = r

		switch {
		case absent(l) && absent(r):
			continue
		case absent(l):
			c.Type = MissingLocal
			c.Severity = SeverityLow
			c.Suggested = UseRemote
			c.AutoResolvable = true
		case absent(r):
			c.Type = MissingRemote
			c.Severity = SeverityLow
			c.Suggested = UseLocal
			c.AutoResolvable = true
		case kindOf(l) != kindOf(r):
			c.Type = TypeMismatch
			c.Severity = SeverityHigh
			c.Suggested = UseLocal
		case equal(l, r):
			continue
		default:
			c.Type = ValueMismatch
			c.Severity = SeverityMedium
			if kindOf(l) == reflect.Slice {
				c.Suggested = Merge
			} else {
				c.Suggested = newer(localAt, remoteAt)
			}
		}
		out = append(out, c)
	}
	return out
}

// DuplicateConflict is raised when the backend holds several rows for one user.
func DuplicateConflict(section profile.Kind, local map[string]any) Conflict {
	return Conflict{
		ID:             ID(section, "_record"),
		Section:        section,
		Field:          "_record",
		LocalUpdatedAt: parseTime(local["updated_at"]),
		Type:           DuplicateRecord,
		Severity:       SeverityCritical,
		Suggested:      UseLocal,
	}
}

func fieldNames(local, remote map[string]any) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range []map[string]any{local, remote} {
		for k := range m {
			if metadataFields[k] || seen[k] {
				continue
			}
			seen[k] = true
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// newer suggests the more recently updated side; ties go to local.
func newer(localAt, remoteAt time.Time) Strategy {
	if remoteAt.After(localAt) {
		return UseRemote
	}
	return UseLocal
}

func absent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}

func kindOf(v any) reflect.Kind {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return reflect.Float64
	case []any, []string:
		return reflect.Slice
	}
	return reflect.TypeOf(v).Kind()
}

func equal(l, r any) bool {
	if lf, ok := toFloat(l); ok {
		rf, _ := toFloat(r)
		return math.Abs(lf-rf) < 1e-9
	}
	if ls, ok := l.(string); ok {
		rs := r.(string)
		if ls == rs {
			return true
		}
		lt, lerr := parseTimeString(ls)
		rt, rerr := parseTimeString(rs)
		if lerr == nil && rerr == nil {
			d := lt.Sub(rt)
			return d > -timestampSkew && d < timestampSkew
		}
		return false
	}
	return reflect.DeepEqual(normalizeSlice(l), normalizeSlice(r))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func normalizeSlice(v any) any {
	if ss, ok := v.([]string); ok {
		out := make([]any, len(ss))
		for i, s := range ss {
			out[i] = s
		}
		return out
	}
	return v
}

// Layouts accepted for timestamp-bearing values: JSON encoding of time.Time,
// Postgres row_to_json timestamptz, and plain dates.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

func parseTimeString(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := parseTimeString(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
