package fhirapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// Format is the wire representation negotiated for a request/response
// (§6 "Content negotiation").
type Format int

const (
	FormatJSON Format = iota
	FormatXML
)

func formatFromMediaType(mt string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "application/fhir+json", "application/json", "json", "*/*", "":
		return FormatJSON, true
	case "application/fhir+xml", "application/xml", "xml", "text/xml":
		return FormatXML, true
	default:
		return FormatJSON, false
	}
}

// negotiateFormat resolves the response format: `_format` wins outright
// over `Accept` when present (§6).
func negotiateFormat(c echo.Context) Format {
	if qf := c.QueryParam("_format"); qf != "" {
		if f, ok := formatFromMediaType(qf); ok {
			return f
		}
	}
	accept := c.Request().Header.Get(echo.HeaderAccept)
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == "" {
			continue
		}
		if f, ok := formatFromMediaType(mt); ok {
			return f
		}
	}
	return FormatJSON
}

// requestFormat resolves which format the request body itself is in, from
// its Content-Type header — independent of what the client wants back.
func requestFormat(c echo.Context) (Format, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	mt := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	f, ok := formatFromMediaType(mt)
	if !ok {
		return FormatJSON, errUnsupportedMediaType("unsupported content type %q", ct)
	}
	return f, nil
}

func contentTypeFor(f Format) string {
	if f == FormatXML {
		return "application/fhir+xml; charset=utf-8"
	}
	return "application/fhir+json; charset=utf-8"
}

func isPretty(c echo.Context) bool {
	return strings.EqualFold(c.QueryParam("_pretty"), "true")
}

// decodeBody parses the request body into a Value tree, honoring its
// declared Content-Type.
func decodeBody(c echo.Context) (fhirvalue.Value, error) {
	data, err := readAll(c)
	if err != nil {
		return fhirvalue.Empty, errInvalid("read request body: %v", err)
	}
	format, err := requestFormat(c)
	if err != nil {
		return fhirvalue.Empty, err
	}
	var v fhirvalue.Value
	switch format {
	case FormatXML:
		v, err = unmarshalXML(data)
	default:
		v, err = fhirvalue.FromJSON(data)
	}
	if err != nil {
		return fhirvalue.Empty, errInvalid("parse request body: %v", err)
	}
	return v, nil
}

func readAll(c echo.Context) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(c.Request().Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeValue renders v in the format negotiated for c and writes it as the
// response body, pretty-printing JSON when `_pretty=true` is set.
func writeValue(c echo.Context, status int, v fhirvalue.Value) error {
	format := negotiateFormat(c)
	var data []byte
	var err error
	switch format {
	case FormatXML:
		data, err = marshalXML(v)
	default:
		data, err = fhirvalue.ToJSON(v)
		if err == nil && isPretty(c) {
			var buf bytes.Buffer
			if ierr := json.Indent(&buf, data, "", "  "); ierr == nil {
				data = buf.Bytes()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("fhirapi: render response: %w", err)
	}
	return c.Blob(status, contentTypeFor(format), data)
}
