// Package jsonid decodes job identifiers that backends emit either as JSON
// strings or as bare numbers.
package jsonid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is a job identifier normalised to its string form.
type ID string

// UnmarshalJSON accepts "abc", 123 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode job id: %w", err)
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode job id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier.
func (id ID) String() string {
	return string(id)
}

// First returns the first non-empty identifier.
func First(ids ...ID) string {
	for _, id := range ids {
		if id != "" {
			return string(id)
		}
	}
	return ""
}
