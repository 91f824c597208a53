package middleware

import "github.com/aretw0/termstore/pkg/ports"

// Middleware allows wrapping a DurableBackend to add behavior.
type Middleware func(ports.DurableBackend) ports.DurableBackend

// Chain wraps backend so that the first middleware sees calls first.
func Chain(backend ports.DurableBackend, mws ...Middleware) ports.DurableBackend {
	for i := len(mws) - 1; i >= 0; i-- {
		backend = mws[i](backend)
	}
	return backend
}
