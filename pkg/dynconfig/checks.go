package dynconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Names of the validation stages, in execution order
const (
	CheckPathExists     = "Configuration path exist?"
	CheckValidText      = "Valid text file?"
	CheckValidScript    = "Valid configuration script?"
	CheckValidEntryFunc = "Configuration function valid?"
)

// Failure reasons
const (
	ReasonPathMissing      = "The specified configuration path does not exist."
	ReasonNotText          = "The specified configuration path is not a valid text file."
	ReasonSyntax           = "There is a syntax error in the configuration script."
	ReasonParseException   = "There was an exception parsing your configuration script."
	ReasonEntryMissing     = "The configuration file need to define a 'configuration' function."
	ReasonResultType       = "The function 'configuration' must return a deployment_configuration(...) value."
	ReasonResultInvalid    = "Parsing the 'configuration' object to a deployment configuration failed."
	ReasonMisuse           = "Misused of configuration function"
	ReasonReferenceMissing = "File or directory not found: "
	ReasonCallException    = "There was an exception calling the 'configuration'."
)

// ErrorResponse describes a failed check
type ErrorResponse struct {
	Reason string   `json:"reason"`
	Hints  []string `json:"hints"`
}

// Status is the outcome of a check: pending, passed, or failed with an ErrorResponse.
// The zero value is pending.
type Status struct {
	passed bool
	err    *ErrorResponse
}

// Passed is the status of a successful check
func Passed() Status {
	return Status{passed: true}
}

// Failed is the status of a check that failed for reason
func Failed(reason string, hints ...string) Status {
	if hints == nil {
		hints = []string{}
	}
	return Status{err: &ErrorResponse{Reason: reason, Hints: hints}}
}

func (s Status) IsPending() bool { return !s.passed && s.err == nil }
func (s Status) IsPassed() bool  { return s.passed }

// Error returns the failure, nil unless the check failed
func (s Status) Error() *ErrorResponse {
	return s.err
}

func (s Status) String() string {
	switch {
	case s.passed:
		return "ok"
	case s.err != nil:
		return s.err.Reason
	default:
		return "pending"
	}
}

// MarshalJSON renders null, true or {"reason", "hints"}
func (s Status) MarshalJSON() ([]byte, error) {
	switch {
	case s.passed:
		return []byte("true"), nil
	case s.err != nil:
		return json.Marshal(s.err)
	default:
		return []byte("null"), nil
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null":
		*s = Status{}
		return nil
	case "true":
		*s = Passed()
		return nil
	case "false":
		return fmt.Errorf("check status can not be false")
	}
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("invalid check status: %w", err)
	}
	*s = Status{err: &e}
	return nil
}

// Check is one named stage of the validation pipeline
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// LoadingStatus is the report of a validation run
type LoadingStatus struct {
	Path      string  `json:"path"`
	Validated bool    `json:"validated"`
	Checks    []Check `json:"checks"`
}

func newLoadingStatus(path string) *LoadingStatus {
	return &LoadingStatus{
		Path: path,
		Checks: []Check{
			{Name: CheckPathExists},
			{Name: CheckValidText},
			{Name: CheckValidScript},
			{Name: CheckValidEntryFunc},
		},
	}
}

func (s *LoadingStatus) set(stage int, status Status) {
	s.Checks[stage].Status = status
}

// Failures returns the failed checks
func (s *LoadingStatus) Failures() []Check {
	var failed []Check
	for _, c := range s.Checks {
		if c.Status.Error() != nil {
			failed = append(failed, c)
		}
	}
	return failed
}

// Summary renders every failed check on its own line
func (s *LoadingStatus) Summary() string {
	var b strings.Builder
	for _, c := range s.Failures() {
		fmt.Fprintf(&b, "%s %s\n", c.Name, c.Status.Error().Reason)
		for _, h := range c.Status.Error().Hints {
			fmt.Fprintf(&b, "  - %s\n", h)
		}
	}
	return b.String()
}
