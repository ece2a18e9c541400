// Package agenttest wires an agent and a worker client over an in-memory
// channel for tests.
package agenttest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/client"
	"pkt.systems/leasewire/internal/agent"
	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/storage/memory"
	"pkt.systems/leasewire/internal/transport"
)

// Env is an agent serving one worker channel.
type Env struct {
	Agent   *agent.Agent
	Backend storage.Backend
	Client  *client.Client
	Worker  *transport.Conn
	Logs    *Buffer
}

// Config tunes New.
type Config struct {
	Backend      storage.Backend
	AgentOptions []agent.Option
	ClientOpts   []client.Option
}

// Buffer is a goroutine safe log sink.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything logged so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Logger returns a debug level structured logger writing to b.
func (b *Buffer) Logger() pslog.Logger {
	return pslog.NewWithOptions(context.Background(), b, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
}

// New starts an agent over cfg.Backend (memory when nil) and connects a
// client to it. Everything is torn down with the test.
func New(t testing.TB, cfg Config) *Env {
	t.Helper()
	backend := cfg.Backend
	if backend == nil {
		backend = memory.New()
	}
	logs := &Buffer{}
	agentOpts := append([]agent.Option{agent.WithLogger(logs.Logger())}, cfg.AgentOptions...)
	env := &Env{Agent: agent.New(backend, agentOpts...), Backend: backend, Logs: logs}
	env.Client, env.Worker = env.Connect(t, cfg.ClientOpts...)
	return env
}

// Connect opens one more channel to the agent.
func (e *Env) Connect(t testing.TB, opts ...client.Option) (*client.Client, *transport.Conn) {
	t.Helper()
	workerEnd, agentEnd := transport.Pipe(
		[]transport.Option{transport.WithName("worker")},
		[]transport.Option{transport.WithName("agent")},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Agent.Serve(ctx, agentEnd) }()
	clientOpts := append([]client.Option{client.WithLogger(e.Logs.Logger())}, opts...)
	c := client.New(workerEnd, clientOpts...)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("agent did not stop serving")
		}
	})
	return c, workerEnd
}

// WaitSessions polls until the agent serves n channels.
func (e *Env) WaitSessions(t testing.TB, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.Agent.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("agent serves %d sessions, want %d", e.Agent.Sessions(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitIdleLocks polls until the agent lock table is empty.
func (e *Env) WaitIdleLocks(t testing.TB) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		held, queued := e.Agent.Locks().Stats()
		if held == 0 && queued == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock table not idle: held=%d queued=%d", held, queued)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
