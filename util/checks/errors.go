package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// CheckWithMessage exits the process with the stack trace if err is set.
// Only the CLI entry point uses it: library code returns errors.
func CheckWithMessage(err error, message string) {
	if err != nil {
		stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
		log.Fatal().Err(err).Str("stack", stack).Msg(message)
	}
}
