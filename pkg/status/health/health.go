// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package health tracks the liveness of the monitor's long-running
// components. Components register at startup and ping on every loop
// iteration; a component that stops pinging for longer than its timeout is
// reported unhealthy by the readiness probe.
package health

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the ping deadline applied when none is given.
const DefaultTimeout = 90 * time.Second

// ID tokens are returned when registering and are to be used when pinging.
type ID string

// Status is a snapshot of registered component health.
type Status struct {
	Healthy   []string
	Unhealthy []string
}

type component struct {
	name       string
	timeout    time.Duration
	latestPing time.Time
}

// Registry is a catalog of pinging components. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu         sync.RWMutex
	components map[ID]*component
	now        func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[ID]*component),
		now:        time.Now,
	}
}

// Register adds a component with the default timeout and returns its token.
func (r *Registry) Register(name string) ID {
	return r.RegisterWithTimeout(name, DefaultTimeout)
}

// RegisterWithTimeout adds a component with a custom ping deadline.
// A freshly registered component counts as unhealthy until its first ping.
func (r *Registry) RegisterWithTimeout(name string, timeout time.Duration) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ID(name)
	for n := 2; ; n++ {
		if _, taken := r.components[id]; !taken {
			break
		}
		id = ID(fmt.Sprintf("%s-%d", name, n))
	}
	r.components[id] = &component{
		name:       name,
		timeout:    timeout,
		latestPing: r.now().Add(-2 * timeout),
	}
	return id
}

// Deregister removes a component from the registry.
func (r *Registry) Deregister(token ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.components[token]; !found {
		return fmt.Errorf("component %s not registered", token)
	}
	delete(r.components, token)
	return nil
}

// Ping signals that the component is still making progress.
func (r *Registry) Ping(token ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.components[token]
	if !found {
		return fmt.Errorf("component %s not registered", token)
	}
	c.latestPing = r.now()
	return nil
}

// GetStatus reports each registered component as healthy or unhealthy.
func (r *Registry) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{}
	now := r.now()
	for _, c := range r.components {
		if now.After(c.latestPing.Add(c.timeout)) {
			status.Unhealthy = append(status.Unhealthy, c.name)
		} else {
			status.Healthy = append(status.Healthy, c.name)
		}
	}
	return status
}

// Healthy reports whether every registered component has pinged recently.
func (r *Registry) Healthy() bool {
	return len(r.GetStatus().Unhealthy) == 0
}
