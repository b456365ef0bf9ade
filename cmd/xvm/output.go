package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/chazu/xvm/server"
	"github.com/chazu/xvm/vm/dist"
)

// splitCall splits "service.method".
func splitCall(s string) (service, method string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("invalid call %q, want service.method", s)
	}
	return s[:i], s[i+1:], nil
}

// parseArgs converts command-line arguments: integers and booleans are
// recognized, anything else is a string.
func parseArgs(args []string) []dist.Value {
	out := make([]dist.Value, len(args))
	for i, a := range args {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			out[i] = dist.Int(n)
		} else if a == "true" || a == "false" {
			out[i] = dist.Bool(a == "true")
		} else {
			out[i] = dist.String(a)
		}
	}
	return out
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printResult writes the results of call, one per line. On a terminal the
// results are prefixed with the call. An exception is returned as an error.
func printResult(w io.Writer, call string, resp *server.InvokeResponse) error {
	if resp.Error != nil {
		return &exceptionError{call: call, v: *resp.Error}
	}
	if isTerminal(w) {
		vals := make([]string, len(resp.Results))
		for i, v := range resp.Results {
			vals[i] = v.String()
		}
		fmt.Fprintf(w, "%s => %s\n", call, strings.Join(vals, ", "))
		return nil
	}
	for _, v := range resp.Results {
		if v.Kind == dist.ValueString {
			fmt.Fprintln(w, v.Str)
		} else {
			fmt.Fprintln(w, v.String())
		}
	}
	return nil
}
