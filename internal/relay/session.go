package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/binlogproxy/internal/obs"
)

// session pairs one client connection with its upstream connection.
type session struct {
	id       string
	client   net.Conn
	upstream net.Conn
	start    time.Time

	bytes atomic.Int64 // both directions, this session only

	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, client, upstream net.Conn) *session {
	return &session{id: id, client: client, upstream: upstream, start: time.Now(), done: make(chan struct{})}
}

// stop sets the stop signal. Safe to call from either direction.
func (s *session) stop() { s.stopOnce.Do(func() { close(s.done) }) }

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// shutdown half-closes both directions of both sockets so peers see the
// disconnect immediately, then closes them.
func (s *session) shutdown() {
	for _, c := range []net.Conn{s.client, s.upstream} {
		if hc, ok := c.(interface {
			CloseRead() error
			CloseWrite() error
		}); ok {
			_ = hc.CloseRead()
			_ = hc.CloseWrite()
		}
	}
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}

func (p *Proxy) handleSession(ctx context.Context, client net.Conn) {
	id := uuid.NewString()
	remote := client.RemoteAddr().String()
	obs.SessionsTotal.Inc()
	obs.Info("session.accepted", obs.Fields{"session": id, "remote": remote})

	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	upstream, err := d.DialContext(ctx, "tcp", p.cfg.TargetAddr())
	if err != nil {
		obs.Error("session.dial.failed", obs.Fields{"session": id, "target": p.cfg.TargetAddr(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		_ = client.Close()
		return
	}
	// Relay reads may block for as long as the stream is idle.
	_ = client.SetDeadline(time.Time{})
	_ = upstream.SetDeadline(time.Time{})

	s := newSession(id, client, upstream)
	snap, _ := p.store.Snapshot(ctx)
	obs.Info("session.connected", obs.Fields{
		"session":     id,
		"target":      p.cfg.TargetAddr(),
		"mode":        snap.Mode(),
		"disconnects": fmt.Sprintf("%d/%d", snap.Disconnects, snap.Planned),
	})
	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.runForwarder(ctx, s, clientToServer) }()
	go func() { defer wg.Done(); p.runForwarder(ctx, s, serverToClient) }()

	<-s.done
	s.close()
	wg.Wait()

	elapsed := time.Since(s.start)
	obs.SessionDurationSeconds.Observe(elapsed.Seconds())
	snap, _ = p.store.Snapshot(ctx)
	final := "INCOMPLETE"
	if snap.Completed {
		final = "STABLE"
	}
	obs.Info("session.closed", obs.Fields{
		"session":       id,
		"mode":          final,
		"disconnects":   fmt.Sprintf("%d/%d", snap.Disconnects, snap.Planned),
		"session_bytes": s.bytes.Load(),
		"total":         snap.TotalBytes,
		"duration_ms":   float64(elapsed.Microseconds()) / 1000.0,
	})
}
