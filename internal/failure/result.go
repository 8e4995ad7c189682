package failure

import (
	"errors"
)

// Data is the payload of a successful run.
type Data struct {
	Fixed bool `json:"fixed"`
}

// Result is the tagged success/failure value returned to the CLI layer.
// When OK is true only Data and Message are meaningful.
type Result struct {
	OK      bool   `json:"ok"`
	Data    *Data  `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Cause   string `json:"cause,omitempty"`
	Raw     any    `json:"data_raw,omitempty"`
}

// Success builds an ok Result.
func Success(fixed bool, message string) Result {
	return Result{OK: true, Data: &Data{Fixed: fixed}, Message: message}
}

// Failure builds a failed Result with an explicit exit code hint.
func Failure(message string, code int, cause string) Result {
	return Result{Message: message, Code: code, Cause: cause}
}

// FromError converts any error into a failed Result.
func FromError(err error) Result {
	if err == nil {
		return Success(false, "")
	}
	r := Result{
		Message: shortMessage(err),
		Code:    ExitCode(err),
		Kind:    Kind(err),
		Cause:   err.Error(),
	}
	var installErr *InstallError
	if errors.As(err, &installErr) && installErr.Output != "" {
		r.Raw = map[string]string{"output": installErr.Output}
	}
	return r
}

// ExitCode returns the process exit code for the result.
func (r Result) ExitCode() int {
	if r.OK {
		return ExitOK
	}
	if r.Code == 0 {
		return ExitGeneric
	}
	return r.Code
}

func shortMessage(err error) string {
	switch ExitCode(err) {
	case ExitInput:
		return "Invalid project or arguments"
	case ExitAPI:
		return "Failed to fetch alert data"
	case ExitInstall:
		return "Package installation failed"
	case ExitManifestWrite:
		return "Failed to write package manifest"
	}
	return "Unexpected error"
}
