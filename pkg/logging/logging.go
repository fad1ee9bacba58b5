// Package logging builds the service logger.
package logging

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Gobusters/ectologger"
)

// New returns a logger that emits one JSON line per message to stdout.
// With pretty enabled the output is indented for local reading.
func New(pretty bool) ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		var (
			b   []byte
			err error
		)
		if pretty {
			b, err = json.MarshalIndent(msg, "", "  ")
		} else {
			b, err = json.Marshal(msg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal log message: %v\n", err)
			return
		}
		fmt.Fprintln(os.Stdout, string(b))
	})
}
