// Package console implements the node console wrapper: a TCP proxy that
// accepts clients on the node's public console port and pipes them to the
// private port the trace process actually listens on. The indirection lets
// the node keep a stable public console port across process restarts.
package console

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// dialTimeout bounds the connect to the process-side console port. The
// target is loopback, so failures are immediate refusals in practice.
const dialTimeout = 3 * time.Second

// Proxy forwards TCP connections from a public listen port to a target
// port on loopback. Start and Stop are serialized by the owning node; the
// accept loop and per-connection pipes run on their own goroutines.
type Proxy struct {
	listenPort int
	targetPort int
	log        *slog.Logger

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewProxy creates a console proxy from listenPort to targetPort. If logger
// is nil, slog.Default() is used.
func NewProxy(listenPort, targetPort int, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		listenPort: listenPort,
		targetPort: targetPort,
		log:        logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the public port and begins accepting clients. A no-op when
// already started.
func (p *Proxy) Start() error {
	if p.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.listenPort))
	if err != nil {
		return fmt.Errorf("listen on console port %d: %w", p.listenPort, err)
	}
	p.ln = ln
	p.wg.Add(1)
	go p.acceptLoop(ln)
	return nil
}

// Running reports whether the proxy is accepting clients.
func (p *Proxy) Running() bool {
	return p.ln != nil
}

// Stop closes the listener and every active client connection, then waits
// for the pipe goroutines to drain. Safe to call when not started.
func (p *Proxy) Stop() {
	if p.ln == nil {
		return
	}
	_ = p.ln.Close()
	p.ln = nil

	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.Debug("console accept", "port", p.listenPort, "error", err)
			}
			return
		}
		p.wg.Add(1)
		go p.handle(conn)
	}
}

// handle pipes one client connection to the target port until either side
// closes.
func (p *Proxy) handle(client net.Conn) {
	defer p.wg.Done()

	target, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.targetPort), dialTimeout)
	if err != nil {
		p.log.Debug("console target unreachable", "port", p.targetPort, "error", err)
		_ = client.Close()
		return
	}

	p.track(client)
	p.track(target)
	defer p.untrack(client)
	defer p.untrack(target)

	var g errgroup.Group
	g.Go(func() error {
		_, copyErr := io.Copy(target, client)
		// Closing the peer unblocks the opposite copy direction.
		_ = target.Close()
		return copyErr
	})
	g.Go(func() error {
		_, copyErr := io.Copy(client, target)
		_ = client.Close()
		return copyErr
	})
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.log.Debug("console pipe closed", "error", err)
	}
}

func (p *Proxy) track(conn net.Conn) {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	_ = conn.Close()
	p.mu.Unlock()
}
