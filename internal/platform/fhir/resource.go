package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// ToMap renders the outcome as a generic resource map so it can be embedded
// as Bundle.entry.resource.
func (o *OperationOutcome) ToMap() map[string]interface{} {
	issues := make([]interface{}, 0, len(o.Issue))
	for _, is := range o.Issue {
		m := map[string]interface{}{
			"severity": is.Severity,
			"code":     is.Code,
		}
		if is.Diagnostics != "" {
			m["diagnostics"] = is.Diagnostics
		}
		if len(is.Expression) > 0 {
			expr := make([]interface{}, len(is.Expression))
			for i, e := range is.Expression {
				expr[i] = e
			}
			m["expression"] = expr
		}
		if is.Details != nil && is.Details.Text != "" {
			m["details"] = map[string]interface{}{"text": is.Details.Text}
		}
		issues = append(issues, m)
	}
	out := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
	if o.ID != "" {
		out["id"] = o.ID
	}
	return out
}

// ResourceTypeOf returns the resourceType of a generic resource map.
func ResourceTypeOf(resource map[string]interface{}) string {
	rt, _ := resource["resourceType"].(string)
	return rt
}

// IDOf returns the logical id of a generic resource map.
func IDOf(resource map[string]interface{}) string {
	id, _ := resource["id"].(string)
	return id
}

// DeclaredProfiles returns meta.profile of a generic resource map.
func DeclaredProfiles(resource map[string]interface{}) []string {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := meta["profile"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SetMeta stamps id, meta.versionId and meta.lastUpdated onto a resource,
// preserving any other meta elements such as profile or security labels.
func SetMeta(resource map[string]interface{}, id string, version int, lastUpdated time.Time) {
	resource["id"] = id
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
	resource["meta"] = meta
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// FormatLocation creates a version-specific location string.
func FormatLocation(resourceType, id string, version int) string {
	return fmt.Sprintf("%s/%s/_history/%d", resourceType, id, version)
}

// FormatETag renders a weak ETag for a version number.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version number from a weak or strong ETag value.
func ParseETag(etag string) (int, error) {
	v := strings.TrimSpace(etag)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid ETag %q", etag)
	}
	return n, nil
}

// DeepCopy returns an independent copy of a generic resource map.
func DeepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return DeepCopy(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
