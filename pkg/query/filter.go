package query

import (
	"reflect"
	"regexp"
	"strings"
)

// Field is one named restriction of a resource filter.
type Field struct {
	// Name is the API field name, e.g. "bundleId".
	Name string

	// Value is nil, a zero value or an empty slice when the field is not restricted.
	Value any
}

// Filter is implemented by resource filters. Fields returns every filterable
// field in a fixed, declared order.
type Filter interface {
	Fields() []Field
}

// Ordering names the field a listing is sorted by.
type Ordering string

// Param renders the sort parameter value, prefixing reversed orderings with "-".
func (o Ordering) Param(reverse bool) string {
	if reverse {
		return "-" + string(o)
	}
	return string(o)
}

// Sort returns the sort parameter for ordering. An empty ordering yields no parameter.
func Sort(ordering Ordering, reverse bool) Params {
	if ordering == "" {
		return Params{}
	}
	return Params{"sort": ordering.Param(reverse)}
}

// Restriction is a populated filter field rendered to its parameter value.
type Restriction struct {
	Field string
	Value string
}

// Restrictions returns the populated fields of f in declared order.
func Restrictions(f Filter) []Restriction {
	if f == nil {
		return nil
	}
	var restrictions []Restriction
	for _, field := range f.Fields() {
		if isEmpty(field.Value) {
			continue
		}
		restrictions = append(restrictions, Restriction{
			Field: field.Name,
			Value: joinValues(deref(field.Value)),
		})
	}
	return restrictions
}

// FilterParams renders f as filter[<field>]=<value> parameters.
func FilterParams(f Filter) Params {
	params := Params{}
	for _, r := range Restrictions(f) {
		params["filter["+r.Field+"]"] = r.Value
	}
	return params
}

// Describe renders f for humans, e.g. "bundleId=com.example.app, platform=IOS".
// A filter without restrictions is described as "*".
func Describe(f Filter) string {
	restrictions := Restrictions(f)
	if len(restrictions) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(restrictions))
	for _, r := range restrictions {
		parts = append(parts, r.Field+"="+shellQuote(r.Value))
	}
	return strings.Join(parts, ", ")
}

var shellSafe = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isEmpty(value any) bool {
	if isUnset(value) {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer:
		return isEmpty(rv.Elem().Interface())
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

func deref(value any) any {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv.Interface()
}
