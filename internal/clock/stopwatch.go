// Package clock provides the timestamped step-logging helper the server
// pipeline uses to report progress. The original C++ implementation
// (utils.h's getCurrentTimeFormatted) kept the "time of the previous call"
// in a function-local static, which makes every caller implicitly share
// one global clock. Stopwatch carries that same timestamp as an explicit
// value instead, so two pipelines running in the same process never
// interfere with each other's elapsed-time accounting.
package clock

import (
	"log"
	"time"
)

// Stopwatch tracks the time of its last Step call.
type Stopwatch struct {
	logger *log.Logger
	prev   time.Time
}

// New creates a Stopwatch that writes to logger, starting its elapsed-time
// accounting from now.
func New(logger *log.Logger) *Stopwatch {
	return &Stopwatch{logger: logger, prev: time.Now()}
}

// Step logs name with the current timestamp and the elapsed time since the
// previous Step call (or since New, for the first call).
func (sw *Stopwatch) Step(num int, name string) {
	now := time.Now()
	elapsed := now.Sub(sw.prev)
	sw.logger.Printf("[%s] step %d: %s (+%.3fs)", now.Format(time.RFC3339), num, name, elapsed.Seconds())
	sw.prev = now
}
