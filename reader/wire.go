package reader

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Object is a lazily decoded JSON object. Venue payloads mix quoted and bare
// numbers and use single letter keys that differ only by case, so fields are
// looked up by exact key rather than mapped onto structs.
type Object map[string]json.RawMessage

// ParseObject decodes b as a JSON object, wrapping failures in ErrMalformed.
func ParseObject(b []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if o == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return o, nil
}

// Has reports whether key is present and not null.
func (o Object) Has(key string) bool {
	v, ok := o[key]
	return ok && !bytes.Equal(v, []byte("null"))
}

// String returns the field as text: strings are unquoted, numbers and
// booleans are returned verbatim. Missing fields yield "".
func (o Object) String(key string) string {
	v, ok := o[key]
	if !ok || len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		return ""
	}
	return string(v)
}

// Bool returns the field as a boolean.
func (o Object) Bool(key string) bool {
	b, _ := strconv.ParseBool(o.String(key))
	return b
}

// Object decodes a nested object.
func (o Object) Object(key string) (Object, error) {
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	return ParseObject(v)
}

// Array decodes a nested array of raw values.
func (o Object) Array(key string) ([]json.RawMessage, error) {
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(v, &arr); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, key, err)
	}
	return arr, nil
}

// Levels decodes [[price, qty, ...], ...] book levels, keeping the first two
// entries of each level as strings.
func (o Object) Levels(key string) ([][2]string, error) {
	v, ok := o[key]
	if !ok || bytes.Equal(v, []byte("null")) {
		return nil, nil
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(v, &rows); err != nil {
		return nil, fmt.Errorf("%w: %q levels: %v", ErrMalformed, key, err)
	}
	out := make([][2]string, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: %q level has %d entries", ErrMalformed, key, len(row))
		}
		tmp := Object{"p": row[0], "q": row[1]}
		out = append(out, [2]string{tmp.String("p"), tmp.String("q")})
	}
	return out, nil
}
