package fhir

import (
	"strings"
)

// HandlingPreference represents the FHIR Prefer handling directive value.
type HandlingPreference string

const (
	HandlingStrict  HandlingPreference = "strict"
	HandlingLenient HandlingPreference = "lenient"
)

// ReturnPreference represents the FHIR Prefer return directive value.
type ReturnPreference string

const (
	ReturnMinimal          ReturnPreference = "minimal"
	ReturnRepresentation   ReturnPreference = "representation"
	ReturnOperationOutcome ReturnPreference = "OperationOutcome"
)

// PreferDirective holds all parsed directives from a single Prefer header value.
type PreferDirective struct {
	Return       ReturnPreference
	Handling     HandlingPreference
	RespondAsync bool
}

// ParsePreferHeader parses the return, handling and respond-async directives
// of a Prefer header value. Directives may be separated by semicolons or
// commas. An absent or unrecognised return directive yields
// ReturnRepresentation.
func ParsePreferHeader(prefer string) PreferDirective {
	d := PreferDirective{
		Return:   ReturnRepresentation,
		Handling: HandlingLenient,
	}

	prefer = strings.TrimSpace(prefer)
	if prefer == "" {
		return d
	}

	normalized := strings.ReplaceAll(prefer, ",", ";")
	for _, part := range strings.Split(normalized, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.EqualFold(part, "respond-async") {
			d.RespondAsync = true
			continue
		}

		key, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"`)
		switch strings.TrimSpace(key) {
		case "return":
			if r, ok := parseReturn(val); ok {
				d.Return = r
			}
		case "handling":
			switch HandlingPreference(val) {
			case HandlingStrict:
				d.Handling = HandlingStrict
			case HandlingLenient:
				d.Handling = HandlingLenient
			}
		}
	}

	return d
}

// parseReturn accepts the canonical spellings plus the lower-case
// "operationoutcome" and hyphenated "operation-outcome" variants some
// clients send.
func parseReturn(val string) (ReturnPreference, bool) {
	switch strings.ToLower(val) {
	case "minimal":
		return ReturnMinimal, true
	case "representation":
		return ReturnRepresentation, true
	case "operationoutcome", "operation-outcome":
		return ReturnOperationOutcome, true
	}
	return "", false
}
