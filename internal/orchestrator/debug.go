package orchestrator

import (
	"fmt"
	"os"
)

// debugEnabled is set once at startup from BLOOM_DEBUG.
var debugEnabled = os.Getenv("BLOOM_DEBUG") == "1"

// debugLog writes diagnostic output to stderr when BLOOM_DEBUG=1.
func debugLog(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	fmt.Fprintf(os.Stderr, "[debug] "+format+"\n", args...)
}
