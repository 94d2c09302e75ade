// Package bgtask is the background execution facility: callers submit
// one-shot requests that run a registered handler no earlier than a given
// time, under a bounded budget.
package bgtask

import (
	"context"
	"net"
	"time"
)

// Request asks for one run of the handler registered under Identifier.
type Request struct {
	Identifier      string
	EarliestBegin   time.Time
	RequiresNetwork bool
}

// Task is handed to a handler. Context is cancelled when the budget expires;
// the handler must call Complete before or at that point.
type Task interface {
	Identifier() string
	Context() context.Context
	Complete(success bool)
}

// Handler runs a task.
type Handler func(Task)

// Facility schedules one-shot background work.
type Facility interface {
	Register(identifier string, h Handler) error
	// Submit replaces any request already pending for the identifier.
	Submit(req Request) error
	Cancel(identifier string)
}

// NetworkProbe reports connectivity for requests that need the network.
type NetworkProbe interface {
	Online(ctx context.Context) bool
}

// NetworkProbeFunc adapts a function to NetworkProbe.
type NetworkProbeFunc func(ctx context.Context) bool

func (f NetworkProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

type dialProbe struct {
	addr    string
	timeout time.Duration
}

// NewDialProbe treats the network as online when a TCP connection to addr succeeds.
func NewDialProbe(addr string, timeout time.Duration) NetworkProbe {
	return &dialProbe{addr: addr, timeout: timeout}
}

func (p *dialProbe) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
