package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// fields is a decoded JSON object awaiting a shape check. path prefixes
// field names in errors so nested failures point at the exact element.
type fields struct {
	event string
	path  string
	raw   map[string]json.RawMessage
}

func parseObject(event, path string, data json.RawMessage) (fields, error) {
	if kind(data) != '{' {
		return fields{}, &MalformedError{Event: event, Field: path, Reason: "expected object"}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fields{}, &MalformedError{Event: event, Field: path, Reason: err.Error()}
	}
	return fields{event: event, path: path, raw: raw}, nil
}

// kind returns the first significant byte of a JSON value, or 0 if empty.
func kind(data []byte) byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

func (f fields) name(field string) string {
	if f.path == "" {
		return field
	}
	return f.path + "." + field
}

func (f fields) fail(field, reason string) error {
	return &MalformedError{Event: f.event, Field: f.name(field), Reason: reason}
}

// lookup returns the raw value and whether it is present and non-null.
func (f fields) lookup(field string) (json.RawMessage, bool) {
	v, ok := f.raw[field]
	if !ok || isNull(v) {
		return nil, false
	}
	return v, true
}

func (f fields) requireString(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	return f.stringValue(field, v)
}

func (f fields) requireNonEmptyString(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	var s string
	if kind(v) != '"' || json.Unmarshal(v, &s) != nil {
		return f.fail(field, "expected string")
	}
	if s == "" {
		return f.fail(field, "must not be empty")
	}
	return nil
}

func (f fields) optionalString(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return nil
	}
	return f.stringValue(field, v)
}

// nullableString requires the key to be present but allows null.
func (f fields) nullableString(field string) error {
	v, present := f.raw[field]
	if !present {
		return f.fail(field, "required (string or null)")
	}
	if isNull(v) {
		return nil
	}
	return f.stringValue(field, v)
}

func (f fields) stringValue(field string, v json.RawMessage) error {
	var s string
	if kind(v) != '"' || json.Unmarshal(v, &s) != nil {
		return f.fail(field, "expected string")
	}
	return nil
}

func (f fields) requireBool(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	var b bool
	if json.Unmarshal(v, &b) != nil {
		return f.fail(field, "expected boolean")
	}
	return nil
}

func (f fields) optionalBool(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return nil
	}
	var b bool
	if json.Unmarshal(v, &b) != nil {
		return f.fail(field, "expected boolean")
	}
	return nil
}

func (f fields) requireNumber(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	return f.numberValue(field, v)
}

func (f fields) numberValue(field string, v json.RawMessage) error {
	var n float64
	if k := kind(v); k != '-' && (k < '0' || k > '9') {
		return f.fail(field, "expected number")
	}
	if json.Unmarshal(v, &n) != nil {
		return f.fail(field, "expected number")
	}
	return nil
}

func (f fields) requireStrings(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	var items []json.RawMessage
	if kind(v) != '[' || json.Unmarshal(v, &items) != nil {
		return f.fail(field, "expected array")
	}
	for i, item := range items {
		if isNull(item) {
			return f.fail(fmt.Sprintf("%s[%d]", field, i), "expected string")
		}
		if err := f.stringValue(fmt.Sprintf("%s[%d]", field, i), item); err != nil {
			return err
		}
	}
	return nil
}

// requireObject runs check over a nested object field.
func (f fields) requireObject(field string, check func(fields) error) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	nested, err := parseObject(f.event, f.name(field), v)
	if err != nil {
		return err
	}
	return check(nested)
}

func (f fields) optionalObject(field string, check func(fields) error) error {
	if _, ok := f.lookup(field); !ok {
		return nil
	}
	return f.requireObject(field, check)
}

// requireObjects runs check over every element of an array of objects.
func (f fields) requireObjects(field string, check func(fields) error) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	var items []json.RawMessage
	if kind(v) != '[' || json.Unmarshal(v, &items) != nil {
		return f.fail(field, "expected array")
	}
	for i, item := range items {
		nested, err := parseObject(f.event, f.name(fmt.Sprintf("%s[%d]", field, i)), item)
		if err != nil {
			return err
		}
		if err := check(nested); err != nil {
			return err
		}
	}
	return nil
}

func (f fields) requireVec3(field string) error {
	return f.requireObject(field, checkVec3)
}

func (f fields) optionalVec3(field string) error {
	return f.optionalObject(field, checkVec3)
}

func (f fields) requireQuat(field string) error {
	return f.requireObject(field, checkQuat)
}

func (f fields) requirePose(field string) error {
	return f.requireObject(field, checkPose)
}

func (f fields) optionalPose(field string) error {
	return f.optionalObject(field, checkPose)
}

func (f fields) requireColor(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return f.fail(field, "required")
	}
	return f.colorValue(field, v)
}

func (f fields) optionalColor(field string) error {
	v, ok := f.lookup(field)
	if !ok {
		return nil
	}
	return f.colorValue(field, v)
}

func (f fields) colorValue(field string, v json.RawMessage) error {
	var items []json.RawMessage
	if kind(v) != '[' || json.Unmarshal(v, &items) != nil {
		return f.fail(field, "expected [r, g, b]")
	}
	if len(items) != 3 {
		return f.fail(field, "expected 3 components")
	}
	for i, item := range items {
		if err := f.numberValue(fmt.Sprintf("%s[%d]", field, i), item); err != nil {
			return err
		}
	}
	return nil
}

func checkVec3(f fields) error {
	return firstErr(
		f.requireNumber("x"),
		f.requireNumber("y"),
		f.requireNumber("z"),
	)
}

func checkQuat(f fields) error {
	return firstErr(
		f.requireNumber("x"),
		f.requireNumber("y"),
		f.requireNumber("z"),
		f.requireNumber("w"),
	)
}

func checkPose(f fields) error {
	return firstErr(
		f.requireVec3("position"),
		f.requireQuat("quaternion"),
	)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// optionalStrings accepts an absent or null field as an empty list.
func (f fields) optionalStrings(field string) error {
	if _, ok := f.lookup(field); !ok {
		return nil
	}
	return f.requireStrings(field)
}

// optionalObjects accepts an absent or null field as an empty list.
func (f fields) optionalObjects(field string, check func(fields) error) error {
	if _, ok := f.lookup(field); !ok {
		return nil
	}
	return f.requireObjects(field, check)
}
