package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// outputJSON outputs data as pretty-printed JSON to stdout.
func outputJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// FatalError writes an error message to stderr and exits with code 1.
// When --json is set, the error is emitted as a JSON object instead so
// machine callers never have to parse prose.
func FatalError(format string, args ...interface{}) {
	if jsonOutput {
		errObj := map[string]string{"error": fmt.Sprintf(format, args...)}
		encoder := json.NewEncoder(os.Stderr)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(errObj)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
