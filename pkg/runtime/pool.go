package runtime

import (
	"errors"
	"io"
	"sync"

	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/logging"
	"go.uber.org/zap"
)

// Factory builds a client for one source
type Factory func(source config.SourceConfig) (Client, error)

// Pool hands out one client per source name, created on first use
type Pool struct {
	factory Factory
	clients map[string]Client
	mu      sync.Mutex
}

// NewPool creates a pool backed by factory
func NewPool(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		clients: make(map[string]Client),
	}
}

// NewDockerPool creates a pool of Docker Engine API clients
func NewDockerPool() *Pool {
	return NewPool(func(source config.SourceConfig) (Client, error) {
		return NewDockerClient(source)
	})
}

// Get returns the client for source, creating it if needed
func (p *Pool) Get(source config.SourceConfig) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[source.Name]; ok {
		return c, nil
	}

	c, err := p.factory(source)
	if err != nil {
		return nil, err
	}
	p.clients[source.Name] = c

	logging.Logger.Debug("Created runtime client",
		zap.String("source", source.Name))

	return c, nil
}

// Close releases every client created so far and empties the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, c := range p.clients {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(p.clients, name)
	}
	return errors.Join(errs...)
}
