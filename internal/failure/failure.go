// Package failure holds the error taxonomy shared by the resolver and the
// remediation orchestrator, and the Result value handed back to the CLI.
package failure

import (
	"errors"
	"fmt"
)

// Exit codes surfaced by the CLI. Each failure kind gets its own code.
const (
	ExitOK            = 0
	ExitGeneric       = 1
	ExitInput         = 2
	ExitAPI           = 3
	ExitInstall       = 4
	ExitManifestWrite = 5
)

// InputError reports a project or argument problem found before any work started.
type InputError struct {
	Msg string
	Err error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *InputError) Unwrap() error { return e.Err }

// APIError reports that alert or score retrieval failed. The collaborator's
// message is kept verbatim in Err.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// InstallError reports a failed package-manager child process.
type InstallError struct {
	Command string
	Output  string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// ManifestWriteError reports an I/O failure while persisting a manifest.
// It is always fatal to the run.
type ManifestWriteError struct {
	Path string
	Err  error
}

func (e *ManifestWriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *ManifestWriteError) Unwrap() error { return e.Err }

// MalformedSpecError reports an override spec that could not be parsed or
// coerced. The edit it belongs to is skipped.
type MalformedSpecError struct {
	Name string
	Spec string
	Err  error
}

func (e *MalformedSpecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed spec %q for %s: %v", e.Spec, e.Name, e.Err)
	}
	return fmt.Sprintf("malformed spec %q for %s", e.Spec, e.Name)
}

func (e *MalformedSpecError) Unwrap() error { return e.Err }

// ExitCode maps an error to the CLI exit code for its failure kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		inputErr    *InputError
		apiErr      *APIError
		installErr  *InstallError
		manifestErr *ManifestWriteError
	)
	switch {
	case errors.As(err, &manifestErr):
		return ExitManifestWrite
	case errors.As(err, &installErr):
		return ExitInstall
	case errors.As(err, &apiErr):
		return ExitAPI
	case errors.As(err, &inputErr):
		return ExitInput
	}
	return ExitGeneric
}

// Kind names the failure category for JSON consumers.
func Kind(err error) string {
	switch ExitCode(err) {
	case ExitOK:
		return ""
	case ExitInput:
		return "input_error"
	case ExitAPI:
		return "api_error"
	case ExitInstall:
		return "install_error"
	case ExitManifestWrite:
		return "manifest_write_error"
	}
	return "error"
}
