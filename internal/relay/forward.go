package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/matst80/binlogproxy/internal/mysqlproto"
	"github.com/matst80/binlogproxy/internal/obs"
	"github.com/matst80/binlogproxy/internal/schedule"
)

type direction int

const (
	clientToServer direction = iota
	serverToClient
)

func (d direction) String() string {
	if d == serverToClient {
		return "server->client"
	}
	return "client->server"
}

// errCommandForward marks a failed write of a streaming command packet,
// which ends the session as a hard error rather than a normal close.
var errCommandForward = errors.New("streaming command forward failed")

func (p *Proxy) runForwarder(ctx context.Context, s *session, dir direction) {
	defer s.stop()
	if err := p.forward(ctx, s, dir); err != nil {
		obs.Error("session.forward.failed", obs.Fields{"session": s.id, "direction": dir.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("forward_command").Inc()
	}
}

// forward copies one direction of s chunk by chunk until the stop signal is
// set, the source reaches EOF, or a read or write fails. Only the
// server->client direction consults the disconnect schedule.
func (p *Proxy) forward(ctx context.Context, s *session, dir direction) error {
	src, dst := s.client, s.upstream
	if dir == serverToClient {
		src, dst = s.upstream, s.client
	}
	buf := make([]byte, p.cfg.ChunkSize)
	for !s.stopped() {
		n, err := src.Read(buf)
		if n > 0 {
			done, ferr := p.relayChunk(ctx, s, dir, dst, buf[:n])
			if ferr != nil || done {
				return ferr
			}
		}
		if err != nil {
			p.logReadEnd(s, dir, err)
			return nil
		}
	}
	return nil
}

// relayChunk writes one chunk to dst, accounts for it and, for
// server->client traffic, asks the scheduler whether to sever the session.
// done reports that this direction must stop.
func (p *Proxy) relayChunk(ctx context.Context, s *session, dir direction, dst net.Conn, chunk []byte) (done bool, err error) {
	if cmd, ok := mysqlproto.Sniff(chunk); ok && cmd.Streaming() {
		obs.Info("forward.command", obs.Fields{
			"session":   s.id,
			"direction": dir.String(),
			"command":   cmd.Name(),
			"length":    cmd.PayloadLen,
			"seq":       cmd.Seq,
			"dump":      mysqlproto.Dump(chunk, dumpLimit),
		})
		obs.CommandsTotal.WithLabelValues(cmd.Name()).Inc()
		if _, err := dst.Write(chunk); err != nil {
			return false, fmt.Errorf("%w: %s %s: %w", errCommandForward, dir, cmd.Name(), err)
		}
	} else if _, err := dst.Write(chunk); err != nil {
		p.logWriteEnd(s, dir, err)
		return true, nil
	}

	n := int64(len(chunk))
	sessionBytes := s.bytes.Add(n)
	obs.BytesRelayedTotal.WithLabelValues(dir.String()).Add(float64(n))
	snap, err := p.store.Account(ctx, n)
	if err != nil {
		obs.Error("schedule.account", obs.Fields{"session": s.id, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("schedule").Inc()
	}
	obs.Info("forward.chunk", obs.Fields{
		"session":       s.id,
		"mode":          snap.Mode(),
		"direction":     dir.String(),
		"bytes":         n,
		"session_bytes": sessionBytes,
		"total":         snap.TotalBytes,
	})

	if dir != serverToClient {
		return false, nil
	}
	d, err := p.store.Check(ctx, sessionBytes)
	if err != nil {
		obs.Error("schedule.check", obs.Fields{"session": s.id, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("schedule").Inc()
		return false, nil
	}
	if !d.Disconnect {
		return false, nil
	}
	p.sever(s, d, sessionBytes, snap.TotalBytes)
	return true, nil
}

// sever performs a planned disconnect: both sockets of s are shut down and
// closed after the drain delay, and the stop signal is set.
func (p *Proxy) sever(s *session, d schedule.Decision, sessionBytes, total int64) {
	obs.Info("session.disconnect.planned", obs.Fields{
		"session":       s.id,
		"disconnect":    fmt.Sprintf("%d/%d", d.Number, d.Planned),
		"threshold":     d.Threshold,
		"session_bytes": sessionBytes,
		"total":         total,
	})
	obs.PlannedDisconnectsTotal.Inc()
	if d.Completed {
		obs.StableMode.Set(1)
		obs.Info("schedule.stable", obs.Fields{"planned": d.Planned})
	}
	time.Sleep(p.cfg.DrainDelay)
	s.shutdown()
	s.stop()
}

func (p *Proxy) logReadEnd(s *session, dir direction, err error) {
	switch {
	case errors.Is(err, io.EOF):
		obs.Info("forward.eof", obs.Fields{"session": s.id, "direction": dir.String()})
	case s.stopped() || errors.Is(err, net.ErrClosed):
		obs.Debug("forward.read.closed", obs.Fields{"session": s.id, "direction": dir.String()})
	default:
		obs.Error("forward.read", obs.Fields{"session": s.id, "direction": dir.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("read").Inc()
	}
}

func (p *Proxy) logWriteEnd(s *session, dir direction, err error) {
	if s.stopped() || errors.Is(err, net.ErrClosed) {
		obs.Debug("forward.write.closed", obs.Fields{"session": s.id, "direction": dir.String()})
		return
	}
	obs.Error("forward.write", obs.Fields{"session": s.id, "direction": dir.String(), "err": err.Error()})
	obs.ErrorsTotal.WithLabelValues("write").Inc()
}
