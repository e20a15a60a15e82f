package engine

// Message is an immutable event consumed exactly once by a reducer.
type Message interface {
	// Kind names the variant for logs and metrics.
	Kind() string
}

// flush asks the store to emit any pending save immediately.
type flush struct{}

func (flush) Kind() string { return "engine.flush" }
