package policy

import (
	"time"

	"github.com/balena-io-experimental/gustav/pkg/planner"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the plan.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that reject the plan.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects a plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module.
type Policy struct {
	// Name identifies the module in errors, usually its file path.
	Name string `json:"name"`

	// Rego is the module source.
	Rego string `json:"rego"`
}

// Violation is one message of the deny set.
type Violation struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Node and Path locate the violation when the policy reports them.
	Node string `json:"node,omitempty"`
	Path string `json:"path,omitempty"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Plan planner.Summary `json:"plan"`
	Time time.Time       `json:"time"`
}
