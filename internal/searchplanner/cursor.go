package searchplanner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor encodes a keyset-pagination position: the last row's sort value
// and id, plus the direction it was read in — enough to resume a scan
// without offset-skipping (§4.5 "Paging"). Grounded on the teacher's
// Cursor/EncodeCursor/DecodeCursor (internal/platform/fhir/cursor.go),
// extended with a Direction field since this planner supports rewinding
// via `_cursor_direction=prev`. Only "prev" reverses the scan; any other
// direction, including "first" and "last", pages forward like "next".
type Cursor struct {
	SortValue string `json:"v"`
	ID        string `json:"id"`
	Direction string `json:"dir,omitempty"` // "next" (default) or "prev"
}

func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodeCursor(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("searchplanner: invalid cursor token: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("searchplanner: invalid cursor payload: %w", err)
	}
	return c, nil
}
