package svn

import (
	"fmt"
	"strings"
)

// ExternalCommandError reports an svn invocation that kept failing after
// every retry was used up.
type ExternalCommandError struct {
	Subcommand string
	// ExitCode is -1 when the process never produced an exit status.
	ExitCode int
	// Stderr is the tail of the command's error output, credentials removed.
	Stderr string
	Err    error
}

func (e *ExternalCommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "svn %s went wrong", e.Subcommand)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit status %d)", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *ExternalCommandError) Unwrap() error {
	return e.Err
}

// PrerequisiteError reports that a required external tool is missing.
type PrerequisiteError struct {
	Tool string
	Err  error
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("%s is not available, please install Subversion first: %v", e.Tool, e.Err)
}

func (e *PrerequisiteError) Unwrap() error {
	return e.Err
}
