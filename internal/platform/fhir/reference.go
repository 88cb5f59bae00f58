package fhir

import (
	"regexp"
	"sort"
	"strings"
)

// relativeRefPattern matches "Type/id" and "Type/id/_history/vid".
var relativeRefPattern = regexp.MustCompile(`^([A-Z][A-Za-z]+)/([A-Za-z0-9\-\.]{1,64})(/_history/([A-Za-z0-9\-\.]{1,64}))?$`)

// ParsedReference is the decomposed form of a literal reference string.
type ParsedReference struct {
	ResourceType string
	ID           string
	VersionID    string
}

// ParseRelativeReference decomposes "Type/id[/_history/vid]".
func ParseRelativeReference(ref string) (ParsedReference, bool) {
	m := relativeRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return ParsedReference{}, false
	}
	return ParsedReference{ResourceType: m[1], ID: m[2], VersionID: m[4]}, true
}

// IsURNReference reports whether ref uses the urn: scheme.
func IsURNReference(ref string) bool {
	return strings.HasPrefix(ref, "urn:")
}

// IsResourceSchemeReference reports whether ref uses the bundle-local
// resource:<n> scheme.
func IsResourceSchemeReference(ref string) bool {
	return strings.HasPrefix(ref, "resource:")
}

// IsAbsoluteURL reports whether ref is an http(s) URL.
func IsAbsoluteURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// IsVersionSpecific reports whether a URL or reference addresses a specific
// version of a resource.
func IsVersionSpecific(ref string) bool {
	return strings.Contains(ref, "/_history/")
}

// NormalizeReference strips the server's own base URI from an absolute
// reference so it compares equal to its relative form. Other values are
// returned unchanged.
func NormalizeReference(ref, baseURI string) string {
	if baseURI == "" || !IsAbsoluteURL(ref) {
		return ref
	}
	base := strings.TrimSuffix(baseURI, "/") + "/"
	if strings.HasPrefix(ref, base) {
		return strings.TrimPrefix(ref, base)
	}
	return ref
}

// ValidateReferenceFormat reports whether a reference string is in one of
// the shapes a server accepts: relative, absolute, URN, bundle-local or
// contained.
func ValidateReferenceFormat(ref string) bool {
	switch {
	case ref == "":
		return false
	case strings.HasPrefix(ref, "#"), IsURNReference(ref), IsResourceSchemeReference(ref), IsAbsoluteURL(ref):
		return true
	}
	_, ok := ParseRelativeReference(ref)
	return ok
}

// ExtractReferences returns every Reference.reference string in a resource,
// in a deterministic depth-first order (object keys sorted).
func ExtractReferences(resource map[string]interface{}) []string {
	var refs []string
	WalkReferences(resource, func(ref string) (string, bool) {
		refs = append(refs, ref)
		return "", false
	})
	return refs
}

// WalkReferences visits every Reference.reference string in a resource. When
// fn returns ok the reference is replaced in place with the returned value.
// Object keys are visited in sorted order so callers see a stable sequence.
func WalkReferences(resource map[string]interface{}, fn func(ref string) (string, bool)) {
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for _, k := range sortedKeys(val) {
				child := val[k]
				if k == "reference" {
					if ref, ok := child.(string); ok {
						if repl, ok := fn(ref); ok {
							val[k] = repl
						}
						continue
					}
				}
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
