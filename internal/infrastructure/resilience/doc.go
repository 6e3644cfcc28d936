/*
Package resilience guards transport writes with a circuit breaker.

A link whose peer has gone away fails every write; without a breaker each
pending call would block on its write deadline before timing out. After
Threshold consecutive failures the breaker opens and rejects writes
immediately with ErrCircuitOpen. Once Cooldown has passed it lets a single
probe through (half-open); a successful probe closes it again.

# Usage

	breaker := resilience.New("link_01J...", resilience.Settings{
		Threshold: 3,
		Cooldown:  time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	err := breaker.Do(func() error { return conn.WriteMessage(...) })
*/
package resilience
