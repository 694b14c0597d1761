// Package exitcode maps container exit codes to the human classification
// surfaced on evaluation records. Informative only; the state machine never
// branches on it.
package exitcode

import "fmt"

// Classification labels.
const (
	Success    = "success"
	General    = "general error / misuse"
	Timeout    = "timeout / terminated"
	OOM        = "memory-limit exceeded (OOM)"
	Segfault   = "segmentation fault"
	Unknown    = "unknown error"
	signalBase = 128
)

// Classify returns the label for a raw exit code.
func Classify(code int) string {
	switch code {
	case 0:
		return Success
	case 1, 2:
		return General
	case 124, 143:
		return Timeout
	case 137:
		return OOM
	case 139:
		return Segfault
	}
	if code > signalBase && code <= signalBase+64 {
		return fmt.Sprintf("killed by signal %d", code-signalBase)
	}
	return Unknown
}

// FromSignal returns the conventional exit code for death by signal n.
func FromSignal(n int) int {
	return signalBase + n
}
