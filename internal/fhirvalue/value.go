// Package fhirvalue implements the FHIRPath/FHIR tagged value model (§4.1):
// a single Value type carrying one of a fixed set of kinds, with the
// equality, ordering, and collection semantics the FHIRPath engine and the
// search indexer both depend on.
package fhirvalue

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindEmpty Kind = iota
	KindBoolean
	KindInteger
	KindDecimal
	KindString
	KindDate
	KindDateTime
	KindTime
	KindQuantity
	KindObject
	KindCollection
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindBoolean:
		return "Boolean"
	case KindInteger:
		return "Integer"
	case KindDecimal:
		return "Decimal"
	case KindString:
		return "String"
	case KindDate:
		return "Date"
	case KindDateTime:
		return "DateTime"
	case KindTime:
		return "Time"
	case KindQuantity:
		return "Quantity"
	case KindObject:
		return "Object"
	case KindCollection:
		return "Collection"
	default:
		return "Unknown"
	}
}

// Precision tags the granularity of a Date/DateTime/Time value, so that
// comparisons can be limited to the coarser of two precisions (§4.1, §8).
type Precision int

const (
	PrecisionYear Precision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionHour
	PrecisionMinute
	PrecisionSecond
	PrecisionMillisecond
)

// Value is the universal tagged value. Exactly one of the typed fields is
// meaningful for a given Kind; the rest are zero. Collection is the
// universal return shape from FHIRPath evaluation — a "singleton" is a
// one-element Collection and `{}` is an empty Collection.
type Value struct {
	Kind Kind

	Bool bool
	Int  int64
	Dec  decimal.Decimal
	Str  string

	// Date/DateTime/Time.
	Year, Month, Day        int
	Hour, Minute, Second, MS int
	Precision                Precision
	HasOffset                bool
	OffsetMinutes            int // minutes east of UTC, meaningful iff HasOffset

	// Quantity.
	QtyValue decimal.Decimal
	QtyUnit  string

	// Object: ordered map. Keys preserve insertion order (§4.1) so FHIR
	// choice properties (`value` + `valueQuantity`) round-trip predictably.
	ObjectKeys []string
	ObjectVals map[string]Value

	// Collection.
	Items []Value
}

// Empty is the canonical empty collection, `{}`.
var Empty = Value{Kind: KindEmpty}

func NewBoolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }
func NewInteger(i int64) Value { return Value{Kind: KindInteger, Int: i} }
func NewString(s string) Value { return Value{Kind: KindString, Str: s} }

func NewDecimal(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }

func NewDecimalFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Empty, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return NewDecimal(d), nil
}

func NewQuantity(value decimal.Decimal, unit string) Value {
	return Value{Kind: KindQuantity, QtyValue: value, QtyUnit: unit}
}

func NewObject() Value {
	return Value{Kind: KindObject, ObjectVals: map[string]Value{}}
}

// Set adds or replaces a property, preserving first-insertion order.
func (v *Value) Set(key string, val Value) {
	if v.ObjectVals == nil {
		v.ObjectVals = map[string]Value{}
	}
	if _, exists := v.ObjectVals[key]; !exists {
		v.ObjectKeys = append(v.ObjectKeys, key)
	}
	v.ObjectVals[key] = val
}

func (v Value) Get(key string) (Value, bool) {
	val, ok := v.ObjectVals[key]
	return val, ok
}

// Collection wraps items into a Collection value. A single item collapses
// FHIRPath's "collection is universal" rule: the caller decides whether to
// keep it wrapped or to treat len==1 as a singleton — both forms carry the
// same Kind so call sites that branch on `.Kind == KindCollection` must
// handle length 1 and 0 themselves.
func NewCollection(items ...Value) Value {
	return Value{Kind: KindCollection, Items: items}
}

// IsEmptyValue reports whether v is Empty or a zero-length collection.
func (v Value) IsEmptyValue() bool {
	if v.Kind == KindEmpty {
		return true
	}
	if v.Kind == KindCollection {
		return len(v.Items) == 0
	}
	return false
}

// AsCollection normalizes any Value into its flat item slice: Empty -> nil,
// Collection -> Items, anything else -> a one-element slice.
func (v Value) AsCollection() []Value {
	switch v.Kind {
	case KindEmpty:
		return nil
	case KindCollection:
		return v.Items
	default:
		return []Value{v}
	}
}

// Single collapses a collection-shaped Value down to its one element.
// Returns (Empty, true) for the empty collection and (Empty, false) when
// there is more than one element (ambiguous).
func Single(v Value) (Value, bool) {
	items := v.AsCollection()
	switch len(items) {
	case 0:
		return Empty, true
	case 1:
		return items[0], true
	default:
		return Empty, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindEmpty:
		return ""
	case KindBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindDecimal:
		return v.Dec.String()
	case KindString:
		return v.Str
	case KindDate, KindDateTime, KindTime:
		return v.formatTemporal()
	case KindQuantity:
		if v.QtyUnit == "" {
			return v.QtyValue.String()
		}
		return fmt.Sprintf("%s '%s'", v.QtyValue.String(), v.QtyUnit)
	case KindObject:
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range v.ObjectKeys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v.ObjectVals[k].String())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindCollection:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return ""
	}
}

func (v Value) formatTemporal() string {
	var sb strings.Builder

	if v.Kind != KindTime {
		fmt.Fprintf(&sb, "%04d", v.Year)
		if v.Precision >= PrecisionMonth {
			fmt.Fprintf(&sb, "-%02d", v.Month)
		}
		if v.Precision >= PrecisionDay {
			fmt.Fprintf(&sb, "-%02d", v.Day)
		}
	}

	if v.Kind == KindDate {
		return sb.String()
	}

	if v.Kind == KindDateTime {
		sb.WriteByte('T')
	}
	if v.Precision >= PrecisionHour {
		fmt.Fprintf(&sb, "%02d", v.Hour)
		if v.Precision >= PrecisionMinute {
			fmt.Fprintf(&sb, ":%02d", v.Minute)
		}
		if v.Precision >= PrecisionSecond {
			fmt.Fprintf(&sb, ":%02d", v.Second)
		}
		if v.Precision >= PrecisionMillisecond {
			fmt.Fprintf(&sb, ".%03d", v.MS)
		}
	}
	if v.HasOffset {
		sb.WriteString(formatOffset(v.OffsetMinutes))
	}
	return sb.String()
}

func formatOffset(minutes int) string {
	if minutes == 0 {
		return "Z"
	}
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("%s%02d:%02d", sign, minutes/60, minutes%60)
}

// SortCollection stable-sorts items in place using the caller's less
// function.
func SortCollection(items []Value, less func(a, b Value) bool) {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}
