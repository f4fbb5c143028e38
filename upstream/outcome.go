package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/peterbarone/claimtrackpro-web/horosafe"
)

// Kind classifies the result of one upstream attempt.
type Kind int

const (
	Success Kind = iota
	AuthExpired
	PermissionDenied
	NotFound
	TransientError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case AuthExpired:
		return "auth_expired"
	case PermissionDenied:
		return "permission_denied"
	case NotFound:
		return "not_found"
	case TransientError:
		return "transient_error"
	}
	return "unknown"
}

// ErrMalformed is reported when a 2xx body is not the expected JSON envelope.
var ErrMalformed = errors.New("upstream: malformed response")

// Outcome is the classified result of a single upstream call. Payload is the
// content of the response's "data" member and is only set on Success.
type Outcome struct {
	Kind    Kind
	Status  int
	Payload json.RawMessage
	Detail  string
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Kind == Success }

// Decode unmarshals the payload into v.
func (o Outcome) Decode(v any) error {
	if o.Kind != Success {
		return o.Err()
	}
	if len(o.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(o.Payload, v)
}

// Err returns nil on success, else a *CallError describing the failure.
func (o Outcome) Err() error {
	if o.Kind == Success {
		return nil
	}
	return &CallError{Kind: o.Kind, Status: o.Status, Detail: o.Detail}
}

// CallError is the error form of a failed Outcome.
type CallError struct {
	Kind   Kind
	Status int
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream: %s (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("upstream: %s (status %d): %s", e.Kind, e.Status, e.Detail)
}

func transient(status int, detail string) Outcome {
	return Outcome{Kind: TransientError, Status: status, Detail: horosafe.Truncate(detail, horosafe.MaxDetailLen)}
}

// permissionPattern matches the error bodies the upstream returns when the
// caller's role cannot read a requested field, relation or collection.
var permissionPattern = regexp.MustCompile(`(?i)(forbidden|permission|not allowed|access denied|invalid_query|field .* (does ?n[o']t exist|is not|cannot)|cannot read|no access)`)

// classify maps a status code and body to an Outcome.
func classify(status int, body []byte) Outcome {
	switch {
	case status == 204:
		return Outcome{Kind: Success, Status: status, Payload: json.RawMessage("null")}
	case status >= 200 && status < 300:
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return transient(status, fmt.Sprintf("%v: %v", ErrMalformed, err))
		}
		if len(env.Data) == 0 {
			env.Data = json.RawMessage("null")
		}
		return Outcome{Kind: Success, Status: status, Payload: env.Data}
	case status == 401:
		return Outcome{Kind: AuthExpired, Status: status, Detail: errorDetail(body)}
	case status == 403:
		return Outcome{Kind: PermissionDenied, Status: status, Detail: errorDetail(body)}
	case status == 400 && permissionPattern.Match(body):
		return Outcome{Kind: PermissionDenied, Status: status, Detail: errorDetail(body)}
	case status == 404:
		return Outcome{Kind: NotFound, Status: status, Detail: errorDetail(body)}
	default:
		return transient(status, errorDetail(body))
	}
}

// errorDetail extracts a short human-readable message from an error body.
func errorDetail(body []byte) string {
	var env struct {
		Errors []struct {
			Message    string `json:"message"`
			Extensions struct {
				Code string `json:"code"`
			} `json:"extensions"`
		} `json:"errors"`
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		if len(env.Errors) > 0 {
			msgs := make([]string, 0, len(env.Errors))
			for _, e := range env.Errors {
				if e.Extensions.Code != "" {
					msgs = append(msgs, e.Extensions.Code+": "+e.Message)
				} else {
					msgs = append(msgs, e.Message)
				}
			}
			return horosafe.Truncate(strings.Join(msgs, "; "), horosafe.MaxDetailLen)
		}
		if env.Error != "" {
			return horosafe.Truncate(env.Error, horosafe.MaxDetailLen)
		}
	}
	return horosafe.Truncate(string(body), horosafe.MaxDetailLen)
}
