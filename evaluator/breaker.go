package evaluator

// circuitBreaker tracks consecutive error counts for one formula. Fatal
// errors (missing entities, undefined variables, backing-entity failures)
// open the breaker at the threshold; transitory conditions are counted for
// diagnostics but never open it. One success resets both counters.
type circuitBreaker struct {
	threshold  int
	fatal      int
	transitory int
}

func newCircuitBreaker(threshold int) *circuitBreaker {
	return &circuitBreaker{threshold: threshold}
}

// open reports whether further evaluations should be skipped.
func (b *circuitBreaker) open() bool {
	return b.threshold > 0 && b.fatal >= b.threshold
}

func (b *circuitBreaker) recordFatal() {
	b.fatal++
}

func (b *circuitBreaker) recordTransitory() {
	b.transitory++
}

func (b *circuitBreaker) recordSuccess() {
	b.fatal = 0
	b.transitory = 0
}

func (b *circuitBreaker) reset() {
	b.recordSuccess()
}
