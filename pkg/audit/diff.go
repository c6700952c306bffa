package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/taskward/pkg/observability"
)

// DiffEngine computes field-level diffs between two snapshots of an entity
type DiffEngine struct {
	refs   ReferenceResolver
	logger *observability.Logger
}

// NewDiffEngine creates a diff engine. refs may be nil, in which case
// references render as their raw ids.
func NewDiffEngine(refs ReferenceResolver, logger *observability.Logger) *DiffEngine {
	return &DiffEngine{refs: refs, logger: observability.OrDefault(logger).WithField("component", "audit.diff")}
}

// Compute returns the changed fields of after relative to before. nil and
// the empty string compare equal. Fields listed in the schema's ignore set
// are skipped; fields absent from after are not considered.
func (d *DiffEngine) Compute(ctx context.Context, exec Exec, schema *Schema, before, after Snapshot) (Diff, error) {
	names := make([]string, 0, len(after))
	for name := range after {
		names = append(names, name)
	}
	sort.Strings(names)

	diff := make(Diff)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if schema.Ignored(name) {
			continue
		}

		field := schema.Field(name)
		oldVal, newVal := before[name], after[name]
		if canonical(field, oldVal) == canonical(field, newVal) {
			continue
		}

		diff[name] = Change{
			VerboseName: field.Label,
			Old:         d.render(ctx, exec, field, oldVal),
			New:         d.render(ctx, exec, field, newVal),
		}
	}
	return diff, nil
}

// canonical reduces v to the string two values must share to be equal
func canonical(field *FieldSpec, v interface{}) string {
	v = deref(v)
	if v == nil {
		return ""
	}
	switch field.Kind {
	case KindTime:
		if t, ok := asTime(v); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case KindDate:
		if t, ok := asTime(v); ok {
			return t.Format("2006-01-02")
		}
	case KindDecimal:
		if r, ok := asRat(v); ok {
			return r.RatString()
		}
	}
	return plain(v)
}

// render produces the display value stored in the diff. nil stays nil.
func (d *DiffEngine) render(ctx context.Context, exec Exec, field *FieldSpec, v interface{}) interface{} {
	v = deref(v)
	if v == nil {
		return nil
	}

	switch field.Kind {
	case KindChoice:
		if label, ok := field.ChoiceLabel(plain(v)); ok {
			return label
		}
		return v
	case KindReference:
		id := plain(v)
		if id == "" || id == "0" {
			return nil
		}
		return d.reference(ctx, exec, field.RefType, id)
	case KindTime:
		if t, ok := asTime(v); ok {
			return t.Format(time.RFC3339)
		}
		return plain(v)
	case KindDate:
		if t, ok := asTime(v); ok {
			return t.Format("2006-01-02")
		}
		return plain(v)
	case KindDecimal:
		if r, ok := asRat(v); ok {
			places := field.Places
			if places <= 0 {
				places = decimalScale(plain(v))
			}
			return r.FloatString(places)
		}
		return plain(v)
	}

	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return v
}

// reference resolves a referenced entity to its display string. Failures
// never abort the diff: missing rows render as "Deleted <type> (<id>)" and
// any other error renders the raw id.
func (d *DiffEngine) reference(ctx context.Context, exec Exec, refType, id string) string {
	return renderReference(ctx, d.refs, d.logger, exec, refType, id)
}

func renderReference(ctx context.Context, refs ReferenceResolver, logger *observability.Logger, exec Exec, refType, id string) string {
	if refs == nil {
		return id
	}
	name, err := refs.Resolve(ctx, refType, id)
	switch {
	case err == nil:
		return name
	case errors.Is(err, ErrReferenceNotFound):
		return fmt.Sprintf("Deleted %s (%s)", refType, id)
	case errors.Is(err, ErrNoResolver):
		return id
	default:
		logger.WithError(err).WithFields(map[string]interface{}{
			"ref_type":   refType,
			"ref_id":     id,
			"request_id": exec.RequestID,
		}).Warn("failed to resolve reference, rendering raw id")
		return id
	}
}

func deref(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func plain(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func asRat(v interface{}) (*big.Rat, bool) {
	switch t := v.(type) {
	case float64:
		return new(big.Rat).SetString(strconv.FormatFloat(t, 'f', -1, 64))
	case float32:
		return new(big.Rat).SetString(strconv.FormatFloat(float64(t), 'f', -1, 32))
	case int, int32, int64, uint, uint32, uint64:
		return new(big.Rat).SetString(fmt.Sprint(t))
	default:
		s := plain(v)
		if s == "" || strings.Contains(s, "/") {
			return nil, false
		}
		return new(big.Rat).SetString(s)
	}
}

// decimalScale counts the fractional digits written in s, net of any exponent
func decimalScale(s string) int {
	mantissa, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mantissa = s[:i]
		exp, _ = strconv.Atoi(s[i+1:])
	}
	scale := 0
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		scale = len(mantissa) - i - 1
	}
	if scale -= exp; scale < 0 {
		return 0
	}
	return scale
}
