// Package reliability guards calls to flaky dependencies.
//
// CircuitBreaker counts consecutive failures of a dependency. Once the
// threshold is reached the circuit opens and calls fail fast with a
// CircuitOpenError until the cooldown elapses. The circuit then lets a
// limited number of probes through: enough successes close it again and
// any failure reopens it.
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithName("desk-api"),
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithCooldown(30*time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return gateway.SetPosition(ctx, id, 1200)
//	})
package reliability
