package simcom

import (
	"strings"
)

// ResponseKind discriminates a ParsedResponse.
type ResponseKind int

const (
	// Unrecognized is any text without a known marker
	Unrecognized ResponseKind = iota
	// ErrorMarker is ERROR, +CME ERROR or +CMS ERROR
	ErrorMarker
	// OperatorInfo carries the operator name from +COPS:
	OperatorInfo
	// NetworkAddress carries the address from +CNACT:
	NetworkAddress
)

func (k ResponseKind) String() string {
	switch k {
	case Unrecognized:
		return "Unrecognized"
	case ErrorMarker:
		return "ErrorMarker"
	case OperatorInfo:
		return "OperatorInfo"
	case NetworkAddress:
		return "NetworkAddress"
	default:
		return "Unknown"
	}
}

const (
	markerError    = "ERROR"
	markerOperator = "+COPS:"
	markerAddress  = "+CNACT:"
)

// ParsedResponse is the structured fact extracted from one inbound fragment.
// Value is only meaningful for OperatorInfo and NetworkAddress.
type ParsedResponse struct {
	Kind  ResponseKind
	Value string
}

func (r ParsedResponse) String() string {
	if r.Kind == OperatorInfo || r.Kind == NetworkAddress {
		return r.Kind.String() + "(" + r.Value + ")"
	}
	return r.Kind.String()
}

// Parse classifies raw inbound text. Rules apply in order: error marker,
// operator info, network address. Parse is total: any input, including
// binary garbage, yields one of the four kinds.
func Parse(raw string) ParsedResponse {
	switch {
	case strings.Contains(raw, markerError):
		return ParsedResponse{Kind: ErrorMarker}
	case strings.Contains(raw, markerOperator):
		return ParsedResponse{Kind: OperatorInfo, Value: extractQuoted(raw)}
	case strings.Contains(raw, markerAddress):
		return ParsedResponse{Kind: NetworkAddress, Value: extractQuoted(raw)}
	}
	return ParsedResponse{Kind: Unrecognized}
}

// extractQuoted returns the first double quoted substring, empty if there is none.
func extractQuoted(s string) string {
	begin := strings.IndexByte(s, '"')
	if begin < 0 {
		return ""
	}
	end := strings.IndexByte(s[begin+1:], '"')
	if end < 0 {
		return ""
	}
	return s[begin+1 : begin+1+end]
}
