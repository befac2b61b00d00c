package domain

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
	SeveritySuccess Severity = "SUCCESS"
)

// Issue is one finding a validator or assertion produced.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
	StepID   string   `json:"step_id,omitempty"`
}

// HasBlockingIssue reports whether any issue halts the run. Only ERROR
// blocks; WARNING and INFO are advisory.
func HasBlockingIssue(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
