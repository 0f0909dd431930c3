// Package relay is a transparent TCP relay that severs sessions on a
// traffic-driven schedule, so binlog clients can be tested against
// mid-stream connection loss.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/binlogproxy/internal/obs"
	"github.com/matst80/binlogproxy/internal/schedule"
)

const (
	// DefaultDialTimeout bounds the upstream dial. Relayed reads have no timeout.
	DefaultDialTimeout = 10 * time.Second
	// DefaultChunkSize is the read buffer per direction.
	DefaultChunkSize = 8192
	// DefaultDrainDelay is the pause before a planned disconnect closes the sockets.
	DefaultDrainDelay = 100 * time.Millisecond
	// DefaultListenHost keeps the relay on loopback unless told otherwise.
	DefaultListenHost = "127.0.0.1"

	// dumpLimit caps the hex dump attached to streaming command logs.
	dumpLimit = 128
)

// Config is fixed for the life of the process.
type Config struct {
	ListenHost         string
	ListenPort         int
	TargetHost         string
	TargetPort         int
	PlannedDisconnects int

	DialTimeout time.Duration
	ChunkSize   int
	DrainDelay  time.Duration // pause before a planned disconnect closes the sockets
}

func (c Config) withDefaults() Config {
	if c.ListenHost == "" {
		c.ListenHost = DefaultListenHost
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = DefaultDrainDelay
	}
	return c
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

func (c Config) TargetAddr() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// Proxy accepts client connections and relays each one to the target.
type Proxy struct {
	cfg   Config
	store schedule.Store

	mu      sync.Mutex
	addr    net.Addr
	ready   bool
	closing bool
}

// New returns a Proxy whose disconnect schedule lives in store. Zero values
// in cfg take the Default* settings.
func New(cfg Config, store schedule.Store) *Proxy {
	p := &Proxy{cfg: cfg.withDefaults(), store: store}
	if snap, err := store.Snapshot(context.Background()); err == nil && snap.Completed {
		obs.StableMode.Set(1)
	} else {
		obs.StableMode.Set(0)
	}
	return p
}

// Config returns the effective configuration, defaults applied.
func (p *Proxy) Config() Config { return p.cfg }

// Target is the upstream address sessions are relayed to.
func (p *Proxy) Target() string { return p.cfg.TargetAddr() }

// Addr is the bound listener address, nil until Serve starts.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Ready reports whether the listener is bound and not shutting down.
func (p *Proxy) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready && !p.closing
}

// Closing reports whether the listener is being shut down.
func (p *Proxy) Closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// Snapshot reports the shared scheduler state.
func (p *Proxy) Snapshot(ctx context.Context) (schedule.Snapshot, error) {
	return p.store.Snapshot(ctx)
}

// ListenAndServe binds the configured listen address and serves until ctx
// is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", p.cfg.ListenAddr(), err)
	}
	return p.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, starting a session
// per connection. Cancelling ctx closes the listener only; sessions already
// running finish on their own.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	p.addr = ln.Addr()
	p.ready = true
	p.mu.Unlock()

	obs.Info("relay.listening", obs.Fields{
		"addr":    ln.Addr().String(),
		"target":  p.cfg.TargetAddr(),
		"planned": p.cfg.PlannedDisconnects,
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.closing = true
			p.mu.Unlock()
			_ = ln.Close()
		case <-stop:
		}
	}()

	sessionCtx := context.WithoutCancel(ctx)
	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				obs.Info("relay.closed", obs.Fields{"addr": ln.Addr().String()})
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay: listener closed: %w", err)
			}
			obs.Error("relay.accept", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		go p.handleSession(sessionCtx, c)
	}
}
