// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// Exit codes.
const (
	ExitFailure = 1
	ExitUsage   = 2
)

// UsageError marks an error caused by invalid command-line input.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }
func (e *UsageError) ExitCode() int { return ExitUsage }

// Usagef returns a UsageError with a formatted message.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitCode returns the exit status for err: 0 for nil or --help, the
// code of an error implementing ExitCode() int anywhere in its chain,
// and ExitFailure otherwise.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitFailure
}

// Report writes "error: err" to w unless err is nil or a help request,
// and returns the exit code for err.
func Report(w io.Writer, err error) int {
	code := ExitCode(err)
	if code != 0 {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return code
}

// Exit reports err on stderr and exits with its code. Use it in main()
// for the error returned by run().
func Exit(err error) {
	os.Exit(Report(os.Stderr, err))
}
