package fhirapi

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

const fhirXMLNamespace = "http://hl7.org/fhir"

// marshalXML renders a resource Value as FHIR XML (§6 "content
// negotiation"): the root element is named after resourceType, a
// primitive becomes a `value` attribute on its own element, and
// objects/collections nest as child elements, one per item, repeating the
// element name for each item in a collection.
func marshalXML(v fhirvalue.Value) ([]byte, error) {
	if v.Kind != fhirvalue.KindObject {
		return nil, fmt.Errorf("fhirapi: cannot render non-object value as XML")
	}
	rt, ok := v.Get("resourceType")
	if !ok || rt.Kind != fhirvalue.KindString {
		return nil, fmt.Errorf("fhirapi: resource missing resourceType")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{
		Name: xml.Name{Local: rt.Str},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: fhirXMLNamespace}},
	}
	if err := encodeObjectXML(enc, root, v); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("fhirapi: flush XML encoder: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeObjectXML(enc *xml.Encoder, start xml.StartElement, v fhirvalue.Value) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, k := range v.ObjectKeys {
		if k == "resourceType" {
			continue
		}
		if err := encodeFieldXML(enc, k, v.ObjectVals[k]); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func encodeFieldXML(enc *xml.Encoder, name string, v fhirvalue.Value) error {
	switch v.Kind {
	case fhirvalue.KindCollection:
		for _, item := range v.Items {
			if err := encodeFieldXML(enc, name, item); err != nil {
				return err
			}
		}
		return nil
	case fhirvalue.KindEmpty:
		return nil
	case fhirvalue.KindObject:
		return encodeObjectXML(enc, xml.StartElement{Name: xml.Name{Local: name}}, v)
	default:
		el := xml.StartElement{
			Name: xml.Name{Local: name},
			Attr: []xml.Attr{{Name: xml.Name{Local: "value"}, Value: v.String()}},
		}
		if err := enc.EncodeToken(el); err != nil {
			return err
		}
		return enc.EncodeToken(el.End())
	}
}

// unmarshalXML parses a FHIR XML document back into a Value tree. Element
// repetition in the literal document is what decides collection-vs-
// singleton (there is no StructureDefinition cardinality lookup here), so
// round-tripping through this package's own marshalXML is exact; hand-
// authored XML with exactly one occurrence of a repeatable element decodes
// as a singleton field rather than a one-element collection, which is
// equivalent for every consumer in this tree (fhirvalue.AsCollection
// normalizes both).
func unmarshalXML(data []byte) (fhirvalue.Value, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return fhirvalue.Empty, fmt.Errorf("fhirapi: parse XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		v, err := decodeElementXML(dec, start)
		if err != nil {
			return fhirvalue.Empty, err
		}
		v.Set("resourceType", fhirvalue.NewString(start.Name.Local))
		return v, nil
	}
}

func decodeElementXML(dec *xml.Decoder, start xml.StartElement) (fhirvalue.Value, error) {
	obj := fhirvalue.NewObject()
	for _, attr := range start.Attr {
		if attr.Name.Local == "value" {
			obj.Set("value", fhirvalue.NewString(attr.Value))
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return fhirvalue.Empty, fmt.Errorf("fhirapi: parse XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElementXML(dec, t)
			if err != nil {
				return fhirvalue.Empty, err
			}
			appendXMLChild(&obj, t.Name.Local, child)
		case xml.EndElement:
			if v, ok := obj.Get("value"); ok && len(obj.ObjectKeys) == 1 {
				return v, nil
			}
			return obj, nil
		}
	}
}

func appendXMLChild(obj *fhirvalue.Value, name string, child fhirvalue.Value) {
	existing, ok := obj.Get(name)
	if !ok {
		obj.Set(name, child)
		return
	}
	if existing.Kind == fhirvalue.KindCollection {
		existing.Items = append(existing.Items, child)
		obj.Set(name, existing)
		return
	}
	obj.Set(name, fhirvalue.NewCollection(existing, child))
}
