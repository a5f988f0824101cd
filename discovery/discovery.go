// Package discovery produces candidate peer addresses for a swarm. The
// engine only consumes the Discovery interface; the HTTP tracker client is
// one implementation of it.
package discovery

import (
	"context"
)

// Discovery yields a lazy stream of candidate peer addresses. The channel
// closes when the context is cancelled; implementations are restartable.
type Discovery interface {
	Peers(ctx context.Context) (<-chan string, error)
}

// StaticDiscovery serves a fixed address list, mostly for tests and
// manually bootstrapped swarms.
type StaticDiscovery struct {
	Addrs []string
}

func (s *StaticDiscovery) Peers(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, addr := range s.Addrs {
			select {
			case <-ctx.Done():
				return
			case out <- addr:
			}
		}
	}()
	return out, nil
}
