package searchindex

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Entry is one row destined for a search_<kind> table. Kind picks which
// table and which of the typed fields are meaningful, mirroring the
// table-per-parameter-type layout of §3/§4.4.
type Entry struct {
	Kind ParamKind

	// string
	Value           string
	ValueNormalized string

	// token / token-identifier
	System string
	Code   string
	CodeCI string

	// date/datetime/time: half-open [Start, End) instant range.
	RangeStart string // RFC3339
	RangeEnd   string // RFC3339

	// number/quantity
	Number decimal.Decimal
	Unit   string

	// reference
	TargetType    string
	TargetID      string
	TargetVersion string
	TargetURL     string

	// composite: pre-rendered per-component JSON object list.
	Composite string
}

// ParamKind names which search_<kind> table an Entry belongs in.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindToken  ParamKind = "token"
	KindRef    ParamKind = "reference"
	KindDate   ParamKind = "date"
	KindNumber ParamKind = "number"
	KindQty    ParamKind = "quantity"
	KindURI    ParamKind = "uri"
	KindComposite ParamKind = "composite"
)

// canonical renders a stable textual form of e for hashing (§4.4
// "entry_hash = MD5(type || id || version || param || canonical(entry))").
// Field order is fixed regardless of which fields are populated so the
// same logical value always hashes the same way.
func (e Entry) canonical() string {
	parts := []string{
		string(e.Kind), e.Value, e.ValueNormalized,
		e.System, e.Code, e.CodeCI,
		e.RangeStart, e.RangeEnd,
		e.Number.String(), e.Unit,
		e.TargetType, e.TargetID, e.TargetVersion, e.TargetURL,
		e.Composite,
	}
	return strings.Join(parts, "\x1f")
}

// entryHash computes the idempotence key for one index row (§4.4 step 3d).
func entryHash(resourceType, id string, version int, param string, e Entry) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%s\x00%s", resourceType, id, version, param, e.canonical())))
	return hex.EncodeToString(sum[:])
}

func decimalFromInt(i int64) decimal.Decimal { return decimal.NewFromInt(i) }
