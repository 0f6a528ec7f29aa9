//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// TimerChannelLen flags len()/cap() checks on timer and ticker channels.
//
// Since Go 1.23 these channels are unbuffered, so both always return 0
// and the guarded receive never runs:
//
//	if len(timer.C) > 0 {  // always false
//	    <-timer.C
//	}
//
// Use a non-blocking select instead:
//
//	select {
//	case <-timer.C:
//	default:
//	}
//
// See: https://go.dev/doc/go1.23#timer-changes
func TimerChannelLen(m dsl.Matcher) {
	m.Match(
		`len($t.C)`,
		`cap($t.C)`,
	).
		Where(m["t"].Type.Is("*time.Timer")).
		Report("timer channels are unbuffered since Go 1.23, len/cap is always 0; use a non-blocking select")

	m.Match(
		`len($t.C)`,
		`cap($t.C)`,
	).
		Where(m["t"].Type.Is("*time.Ticker")).
		Report("ticker channels are unbuffered since Go 1.23, len/cap is always 0; use a non-blocking select")
}

// DeferredTimeSince flags time.Since passed directly to a deferred call.
// The argument is evaluated when the defer statement runs, not at function
// exit, so the measured duration is always ~0:
//
//	start := time.Now()
//	defer log.Printf("took %v", time.Since(start))  // evaluated now
//
// Wrap the call in a closure to measure the real elapsed time:
//
//	defer func() { log.Printf("took %v", time.Since(start)) }()
//
// Note: go vet also catches the single-argument form since Go 1.22; the
// multi-argument forms below are the ones that slip through.
func DeferredTimeSince(m dsl.Matcher) {
	m.Match(
		`defer $fn(time.Since($start))`,
		`defer $fn(time.Since($start), $*args)`,
		`defer $fn($arg, time.Since($start))`,
		`defer $fn($arg1, $arg2, time.Since($start))`,
	).
		Report("time.Since($start) runs at defer time, not function exit; wrap the call in func() { ... }()")
}

// PerIterationTimer flags timer allocation inside long-running loops.
//
// The supervision loops in this codebase (buffer sweep, watchdog, health
// sampling) run for the lifetime of the process. A time.After inside such
// a loop allocates a fresh timer every pass; time.Tick is worse, its
// ticker can never be stopped at all. Both patterns belong outside the
// loop as a time.NewTicker/NewTimer with a deferred Stop:
//
//	ticker := time.NewTicker(interval)
//	defer ticker.Stop()
//	for {
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-ticker.C:
//	        sweep()
//	    }
//	}
//
// time.After in a one-shot shutdown select is fine, this rule only looks
// inside for loops.
func PerIterationTimer(m dsl.Matcher) {
	m.Match(
		`for { select { case <-time.After($d): $*a } }`,
		`for { select { case <-time.After($d): $*a; case $*rest } }`,
		`for { select { case $*rest; case <-time.After($d): $*a } }`,
		`for $cond { select { case <-time.After($d): $*a } }`,
	).
		Report("time.After allocates a timer on every iteration; hoist a time.NewTicker/NewTimer with defer Stop out of the loop")

	m.Match(
		`for range time.Tick($d) { $*body }`,
		`for $_ = range time.Tick($d) { $*body }`,
	).
		Report("time.Tick's ticker can never be stopped; use time.NewTicker with defer Stop")
}
