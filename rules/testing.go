//go:build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// TestingContext flags context.Background()/TODO() in test files where
// t.Context() (Go 1.24+) gives the same context with automatic
// cancellation when the test ends. That cancellation is what unwinds a
// leaked Run goroutine before goleak looks at the stack, so preferring
// t.Context() turns silent leaks into clean shutdowns.
//
//	ctx := t.Context()
//	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
//
// See: https://pkg.go.dev/testing#T.Context
func TestingContext(m dsl.Matcher) {
	m.Match(
		`$ctx := context.Background()`,
		`$ctx = context.Background()`,
		`$ctx := context.TODO()`,
		`$ctx = context.TODO()`,
	).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("prefer t.Context() in tests; it cancels automatically when the test completes (Go 1.24+)")

	m.Match(
		`$fn(context.Background(), $*args)`,
		`$fn(context.TODO(), $*args)`,
	).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("prefer t.Context() in tests; it cancels automatically when the test completes (Go 1.24+)")
}

// BenchmarkLoop flags the classic b.N iteration styles in favor of
// b.Loop() (Go 1.24+), which keeps setup outside the measured region and
// stops the compiler from optimizing the body away.
//
// See: https://pkg.go.dev/testing#B.Loop
func BenchmarkLoop(m dsl.Matcher) {
	m.Match(
		`for $i := 0; $i < $b.N; $i++ { $*body }`,
		`for $i := range $b.N { $*body }`,
	).
		Where(m["b"].Type.Is("*testing.B")).
		Report("use for $b.Loop() { ... } (Go 1.24+); declare the counter separately if the body needs it")

	m.Match(
		`for range $b.N { $*body }`,
	).
		Where(m["b"].Type.Is("*testing.B")).
		Report("use for $b.Loop() { ... } (Go 1.24+)").
		Suggest("for $b.Loop() { $body }")
}
