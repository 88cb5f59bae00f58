package persistence

import (
	"fmt"
	"net/url"
	"strings"
)

// Matches reports whether a resource satisfies every search parameter.
// Supported are _id and top-level elements of the resource: strings match
// case-insensitively by prefix (":exact" demands equality), coded and
// identifier-like elements match on code, value, system|value or reference.
// Comma-separated values are alternatives. Other result parameters
// (_count, _sort, ...) are ignored.
func Matches(id string, resource map[string]interface{}, params url.Values) bool {
	for key, values := range params {
		name, modifier, _ := strings.Cut(key, ":")
		if name == "_id" {
			if !anyValue(values, func(v string) bool { return v == id }) {
				return false
			}
			continue
		}
		if strings.HasPrefix(name, "_") {
			continue
		}
		field, ok := resource[name]
		if !ok {
			if modifier == "missing" {
				if !anyValue(values, func(v string) bool { return v == "true" }) {
					return false
				}
				continue
			}
			return false
		}
		if modifier == "missing" {
			if !anyValue(values, func(v string) bool { return v == "false" }) {
				return false
			}
			continue
		}
		exact := modifier == "exact"
		if !anyValue(values, func(v string) bool { return fieldMatches(field, v, exact) }) {
			return false
		}
	}
	return true
}

func anyValue(values []string, match func(string) bool) bool {
	for _, raw := range values {
		for _, v := range strings.Split(raw, ",") {
			if match(v) {
				return true
			}
		}
	}
	return false
}

func fieldMatches(field interface{}, want string, exact bool) bool {
	switch f := field.(type) {
	case string:
		if exact {
			return f == want
		}
		return strings.HasPrefix(strings.ToLower(f), strings.ToLower(want))
	case bool, float64, int:
		return fmt.Sprint(f) == want
	case []interface{}:
		for _, item := range f {
			if fieldMatches(item, want, exact) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		return complexMatches(f, want, exact)
	}
	return false
}

func complexMatches(m map[string]interface{}, want string, exact bool) bool {
	system, value, hasSystem := strings.Cut(want, "|")
	if !hasSystem {
		value = want
	}
	for _, key := range []string{"value", "code", "reference"} {
		s, ok := m[key].(string)
		if !ok || s != value {
			continue
		}
		if !hasSystem {
			return true
		}
		if sys, _ := m["system"].(string); sys == system {
			return true
		}
	}
	for _, key := range []string{"coding", "family", "given", "text"} {
		if nested, ok := m[key]; ok && fieldMatches(nested, want, exact) {
			return true
		}
	}
	return false
}
