// Command seamstress runs a Lua script against OSC, device and terminal input.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// errorLine prefixes err with the program name unless a package error
// already starts with it.
func errorLine(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "seamstress:") {
		return msg
	}
	return "seamstress: " + msg
}

const (
	exitUsage = 2
	exitInit  = 3
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }
