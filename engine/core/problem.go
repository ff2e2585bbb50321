package core

import "net/http"

// Problem captures the information returned in an error response body.
type Problem struct {
	Status  int
	Code    string
	Title   string
	Detail  string
	Details map[string]any
}

// StatusForKind maps a failure kind to its HTTP status.
func StatusForKind(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindJustificationRequired:
		return http.StatusPreconditionRequired
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ProblemFromError converts a core error into its response representation.
func ProblemFromError(err error) *Problem {
	e := AsError(err)
	status := StatusForKind(e.Kind)
	detail := e.Message
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		detail = "internal server error"
	}
	return &Problem{
		Status:  status,
		Code:    e.Code,
		Title:   http.StatusText(status),
		Detail:  detail,
		Details: e.Details,
	}
}

// Body assembles the serialized error envelope: {code, error, details}.
func (p *Problem) Body() map[string]any {
	body := map[string]any{
		"code":  p.Code,
		"error": p.Detail,
	}
	if p.Detail == "" {
		body["error"] = p.Title
	}
	if len(p.Details) > 0 {
		body["details"] = p.Details
	}
	return body
}
