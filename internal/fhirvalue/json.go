package fhirvalue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ToJSON renders v as a FHIR-shaped JSON document: Object preserves
// insertion order (unlike encoding/json's map marshaling), Collection
// becomes a JSON array, and the remaining kinds map onto their natural JSON
// primitive. Date/DateTime/Time/Quantity render through String()/fields the
// way the resource store persists a document back to `resources.document`.
func ToJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindEmpty:
		buf.WriteString("null")
	case KindBoolean:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindInteger:
		fmt.Fprintf(buf, "%d", v.Int)
	case KindDecimal:
		buf.WriteString(v.Dec.String())
	case KindString, KindDate, KindDateTime, KindTime:
		s := v.Str
		if v.Kind != KindString {
			s = v.formatTemporal()
		}
		enc, err := json.Marshal(s)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case KindQuantity:
		buf.WriteByte('{')
		buf.WriteString(`"value":`)
		buf.WriteString(v.QtyValue.String())
		if v.QtyUnit != "" {
			buf.WriteString(`,"unit":`)
			enc, err := json.Marshal(v.QtyUnit)
			if err != nil {
				return err
			}
			buf.Write(enc)
		}
		buf.WriteByte('}')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.ObjectKeys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeJSON(buf, v.ObjectVals[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindCollection:
		buf.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, it); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("fhirvalue: cannot marshal kind %s", v.Kind)
	}
	return nil
}

// FromJSON parses a raw FHIR resource document into the tagged Value tree.
// Plain JSON has no Date/DateTime/Time/Quantity kinds of its own, so objects
// and strings round-trip as KindObject/KindString; callers that know an
// element's declared type (via internal/fhircontext) convert strings to
// KindDate/KindDateTime/KindTime on demand when evaluating or indexing.
func FromJSON(data []byte) (Value, error) {
	return fromJSONDecoder(json.NewDecoder(bytes.NewReader(data)))
}

// fromJSONDecoder walks the token stream directly (rather than decoding into
// map[string]interface{}) so object key order survives the round trip.
func fromJSONDecoder(dec *json.Decoder) (Value, error) {
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return Empty, err
	}
	return fromJSONToken(dec, tok)
}

func fromJSONToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Empty, nil
	case bool:
		return NewBoolean(t), nil
	case json.Number:
		return numberToValue(t)
	case string:
		return NewString(t), nil
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Empty, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Empty, fmt.Errorf("fhirvalue: expected object key, got %v", keyTok)
				}
				valTok, err := dec.Token()
				if err != nil {
					return Empty, err
				}
				val, err := fromJSONToken(dec, valTok)
				if err != nil {
					return Empty, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Empty, err
			}
			return obj, nil
		case '[':
			var items []Value
			for dec.More() {
				elTok, err := dec.Token()
				if err != nil {
					return Empty, err
				}
				el, err := fromJSONToken(dec, elTok)
				if err != nil {
					return Empty, err
				}
				items = append(items, el)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Empty, err
			}
			return NewCollection(items...), nil
		}
	}
	return Empty, fmt.Errorf("fhirvalue: unexpected json token %v", tok)
}

func numberToValue(n json.Number) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return NewInteger(i), nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return Empty, fmt.Errorf("fhirvalue: invalid number %q: %w", n.String(), err)
	}
	return NewDecimal(d), nil
}
