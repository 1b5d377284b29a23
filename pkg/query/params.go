// Package query builds the query parameters sent to App Store Connect endpoints.
//
// Parameters are kept as an opaque Params map until the request is made. A nil
// value marks a parameter as unset and it is never sent. Resource filters and
// orderings render into Params through FilterParams and Sort.
package query

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// Params maps query parameter names to values.
//
// Supported values are strings, string slices (sent as repeated keys),
// fmt.Stringer, numbers and booleans. Nil values are dropped.
type Params map[string]any

// Compact returns a copy of p without nil values.
func (p Params) Compact() Params {
	compact := make(Params, len(p))
	for key, value := range p {
		if isUnset(value) {
			continue
		}
		compact[key] = value
	}
	return compact
}

// Merge returns a copy of p with every entry of other added, overriding
// entries with the same key.
func (p Params) Merge(other Params) Params {
	merged := make(Params, len(p)+len(other))
	for key, value := range p {
		merged[key] = value
	}
	for key, value := range other {
		merged[key] = value
	}
	return merged
}

// Without returns the entries of p whose keys are absent from present.
func (p Params) Without(present url.Values) Params {
	remaining := make(Params, len(p))
	for key, value := range p {
		if _, ok := present[key]; ok {
			continue
		}
		remaining[key] = value
	}
	return remaining
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Values converts p to url.Values, dropping nil entries.
func (p Params) Values() url.Values {
	values := make(url.Values, len(p))
	for key, value := range p {
		if isUnset(value) {
			continue
		}
		values[key] = stringValues(value)
	}
	return values
}

// Encode renders p as a URL query string with keys in sorted order.
func (p Params) Encode() string {
	return p.Values().Encode()
}

func stringValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case fmt.Stringer:
		return []string{v.String()}
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, formatValue(rv.Index(i).Interface()))
		}
		return out
	}
	return []string{formatValue(value)}
}

// formatValue renders a single value the way the API expects it.
func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		return formatValue(rv.Elem().Interface())
	}
	return fmt.Sprint(value)
}

// isUnset reports whether value is nil or a nil pointer, slice or map.
func isUnset(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// joinValues joins slice values with commas, the list syntax of filter parameters.
func joinValues(value any) string {
	return strings.Join(stringValues(value), ",")
}
