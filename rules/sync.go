//go:build ruleguard

// Package gorules holds the custom ruleguard rules for this repository:
// a small set of Go modernization checks plus invariants of the PCM
// capture path that plain vet cannot see.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo flags the manual Add/Done goroutine pattern where Go 1.25's
// wg.Go covers it.
//
// Old pattern:
//
//	wg.Add(1)
//	go func() {
//	    defer wg.Done()
//	    work()
//	}()
//
// New pattern (Go 1.25+):
//
//	wg.Go(work)
//
// An Add/Done mismatch shows up here as a hang in StopAll or a test that
// never returns, so the fewer hand-written pairs the better.
//
// See: https://pkg.go.dev/sync#WaitGroup.Go
func WaitGroupGo(m dsl.Matcher) {
	m.Match(
		`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`,
	).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { ... }) instead of the manual Add/Done pair (Go 1.25+)").
		Suggest("$wg.Go(func() { $body })")

	// Done at the tail instead of deferred: same fix, but no suggestion
	// because a panic in $body would already have leaked the count.
	m.Match(
		`$wg.Add(1); go func() { $*body; $wg.Done() }()`,
	).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { ... }) instead of the manual Add/Done pair (Go 1.25+); the trailing Done also skips on panic")
}
