package deployment

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is:
//
//	if errors.Is(err, deployment.ErrConcurrency) {
//	    // re-fetch the package and confirm again
//	}
var (
	// ErrValidation: the request names something outside the blueprint or is malformed.
	ErrValidation = errors.New("deployment: validation failed")

	// ErrPrecondition: the deployment is not in a state that allows the operation.
	ErrPrecondition = errors.New("deployment: precondition failed")

	// ErrConcurrency: a deployment confirmation was made against a stale package.
	ErrConcurrency = errors.New("deployment: stale deployment package")

	// ErrConfiguration: the protocol blueprint is not deployable.
	ErrConfiguration = errors.New("deployment: invalid protocol configuration")
)

// Error carries enough context for a caller to pick the right retry action.
type Error struct {
	Kind         error
	DeploymentID string
	RoleName     string
	// Expected and Actual are set for ErrConcurrency.
	Expected string
	Actual   string
	Message  string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.RoleName != "" {
		fmt.Fprintf(&b, " (role %s", e.RoleName)
		if e.DeploymentID != "" {
			fmt.Fprintf(&b, ", deployment %s", e.DeploymentID)
		}
		b.WriteString(")")
	} else if e.DeploymentID != "" {
		fmt.Fprintf(&b, " (deployment %s)", e.DeploymentID)
	}
	if e.Kind == ErrConcurrency {
		fmt.Fprintf(&b, ": expected stamp %s, current %s", e.Expected, e.Actual)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func (d *StudyDeployment) fail(kind error, role, format string, args ...any) error {
	return &Error{Kind: kind, DeploymentID: d.id, RoleName: role, Message: fmt.Sprintf(format, args...)}
}
