package main

import (
	"encoding/json"
	"fmt"

	"github.com/acheong08/safedeps/internal/failure"
)

// finish prints res and records its exit code
func (a *app) finish(res failure.Result) {
	a.printResult(res)
	a.code = res.ExitCode()
}

func (a *app) printResult(res failure.Result) {
	if a.jsonOut {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(a.stderr, "Error: failed to encode result: %v\n", err)
		}
		return
	}
	if res.OK {
		fmt.Fprintln(a.stdout, res.Message)
		return
	}
	fmt.Fprintf(a.stderr, "Error: %s\n", res.Message)
	if res.Cause != "" && res.Cause != res.Message {
		fmt.Fprintf(a.stderr, "  %s\n", res.Cause)
	}
}
