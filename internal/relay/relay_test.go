package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/matst80/binlogproxy/internal/mysqlproto"
	"github.com/matst80/binlogproxy/internal/obs"
	"github.com/matst80/binlogproxy/internal/schedule"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startUpstream runs a fake target server. The i-th accepted connection is
// served by handlers[i]; later connections reuse the last handler.
func startUpstream(t *testing.T, handlers ...func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			h := handlers[min(i, len(handlers)-1)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				h(c)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return splitAddr(t, ln.Addr().String())
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return host, port
}

// startProxy serves a Proxy on a loopback port until the test ends and
// waits for its sessions to drain on cleanup.
func startProxy(t *testing.T, store schedule.Store, host string, port, planned int) (*Proxy, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	p := New(Config{
		TargetHost:         host,
		TargetPort:         port,
		PlannedDisconnects: planned,
		DialTimeout:        2 * time.Second,
		DrainDelay:         10 * time.Millisecond,
	}, store)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Serve: %v", err)
		}
		waitFor(t, "sessions to close", func() bool {
			return testutil.ToFloat64(obs.ActiveSessions) == 0
		})
	})
	return p, ln.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func snapshot(t *testing.T, s schedule.Store) schedule.Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	return c
}

// readAll drains c until the proxy closes it and returns the byte count.
func readAll(c net.Conn) int64 {
	n, _ := io.Copy(io.Discard, c)
	return n
}

func writeN(c net.Conn, n int) {
	_, _ = c.Write(make([]byte, n))
}

func TestRelayIsTransparent(t *testing.T) {
	is := is.New(t)
	host, port := startUpstream(t, func(c net.Conn) { _, _ = io.Copy(c, c) })
	store := schedule.NewMemoryStore(0)
	_, addr := startProxy(t, store, host, port, 0)

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	is.NoErr(err)

	c := dial(t, addr)
	go func() { _, _ = c.Write(payload) }()
	got := make([]byte, len(payload))
	_, err = io.ReadFull(c, got)
	is.NoErr(err)
	is.True(bytes.Equal(got, payload))
	c.Close()

	waitFor(t, "session accounting", func() bool {
		return snapshot(t, store).TotalBytes == int64(2*len(payload))
	})
	is.Equal(snapshot(t, store).Disconnects, 0)
}

func TestPlannedDisconnectScenario(t *testing.T) {
	is := is.New(t)
	store := schedule.NewMemoryStore(2)
	host, port := startUpstream(t,
		func(c net.Conn) {
			buf := make([]byte, 30000)
			if _, err := io.ReadFull(c, buf); err != nil {
				return
			}
			// Let the proxy account for the request before answering.
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if snap, _ := store.Snapshot(context.Background()); snap.TotalBytes >= 30000 {
					break
				}
				time.Sleep(time.Millisecond)
			}
			writeN(c, 26000)
			_, _ = io.Copy(io.Discard, c)
		},
		func(c net.Conn) {
			writeN(c, 40000)
			_, _ = io.Copy(io.Discard, c)
		},
		func(c net.Conn) {
			writeN(c, 100000)
		},
	)
	p, addr := startProxy(t, store, host, port, 2)

	// Session 1: client->server volume alone never severs; the first
	// server->client chunk pushes the session past 25,000 bytes.
	c1 := dial(t, addr)
	writeN(c1, 30000)
	got := readAll(c1)
	c1.Close()
	is.True(got < 26000)
	snap := snapshot(t, store)
	is.Equal(snap.Disconnects, 1)
	is.True(snap.FirstCheckDone)
	is.True(!snap.Completed)

	// Session 2: a reconnect starts from zero and is severed past 37,000.
	c2 := dial(t, addr)
	got = readAll(c2)
	c2.Close()
	is.True(got > schedule.SubsequentThreshold)
	snap = snapshot(t, store)
	is.Equal(snap.Disconnects, 2)
	is.True(snap.Completed)
	is.Equal(snap.Mode(), "STABLE")
	is.Equal(testutil.ToFloat64(obs.StableMode), 1.0)

	// Session 3: stable mode relays everything.
	c3 := dial(t, addr)
	got = readAll(c3)
	c3.Close()
	is.Equal(got, int64(100000))
	is.Equal(snapshot(t, store).Disconnects, 2)
	is.True(p.Ready())
}

func TestClientToServerVolumeNeverDisconnects(t *testing.T) {
	is := is.New(t)
	const volume = 200000
	received := make(chan struct{})
	host, port := startUpstream(t, func(c net.Conn) {
		if _, err := io.ReadFull(c, make([]byte, volume)); err != nil {
			return
		}
		close(received)
		_, _ = io.Copy(io.Discard, c)
	})
	store := schedule.NewMemoryStore(1)
	_, addr := startProxy(t, store, host, port, 1)

	c := dial(t, addr)
	defer c.Close()
	writeN(c, volume)
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream did not receive client traffic")
	}
	waitFor(t, "accounting", func() bool { return snapshot(t, store).TotalBytes == volume })

	snap := snapshot(t, store)
	is.Equal(snap.Disconnects, 0)
	is.True(!snap.FirstCheckDone) // no eligibility check has run yet
	_, err := c.Write([]byte("still open"))
	is.NoErr(err)
}

func TestDialFailureKeepsListening(t *testing.T) {
	is := is.New(t)
	// Grab a free port, then close it so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	host, port := splitAddr(t, ln.Addr().String())
	ln.Close()

	p, addr := startProxy(t, schedule.NewMemoryStore(1), host, port, 1)
	before := testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("dial"))
	for i := 0; i < 2; i++ {
		c := dial(t, addr)
		is.Equal(readAll(c), int64(0)) // closed by the proxy
		c.Close()
	}
	is.Equal(testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("dial"))-before, 2.0)
	is.True(p.Ready())
}

func TestStreamingCommandIsLogged(t *testing.T) {
	is := is.New(t)
	logs := &syncBuffer{}
	obs.SetOutput(logs)
	t.Cleanup(func() { obs.SetOutput(os.Stdout) })

	pkt := []byte{5, 0, 0, 0, mysqlproto.ComBinlogDump, 4, 0, 0, 0}
	got := make(chan []byte, 1)
	host, port := startUpstream(t, func(c net.Conn) {
		buf := make([]byte, len(pkt))
		if _, err := io.ReadFull(c, buf); err == nil {
			got <- buf
		}
		_, _ = io.Copy(io.Discard, c)
	})
	_, addr := startProxy(t, schedule.NewMemoryStore(0), host, port, 0)

	c := dial(t, addr)
	defer c.Close()
	_, err := c.Write(pkt)
	is.NoErr(err)
	select {
	case b := <-got:
		is.True(bytes.Equal(b, pkt)) // forwarded unchanged
	case <-time.After(5 * time.Second):
		t.Fatal("upstream did not receive command")
	}
	waitFor(t, "chunk log", func() bool { return bytes.Contains([]byte(logs.String()), []byte(`"msg":"forward.chunk"`)) })

	out := logs.String()
	for _, want := range []string{`"msg":"forward.command"`, `"command":"COM_BINLOG_DUMP"`, `"mode":"STABLE"`, `"msg":"session.connected"`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("expected log output to contain %s", want)
		}
	}
}

func TestStreamingCommandWriteFailureEndsSession(t *testing.T) {
	is := is.New(t)
	logs := &syncBuffer{}
	obs.SetOutput(logs)
	t.Cleanup(func() { obs.SetOutput(os.Stdout) })

	p := New(Config{TargetHost: "db", TargetPort: 3306}, schedule.NewMemoryStore(0))
	client, clientPeer := net.Pipe()
	upstream, upstreamPeer := net.Pipe()
	defer clientPeer.Close()
	defer upstreamPeer.Close()
	// The target is gone before the command arrives.
	is.NoErr(upstream.Close())

	s := newSession("cmd-write", client, upstream)
	defer s.close()
	before := testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("forward_command"))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		p.runForwarder(context.Background(), s, clientToServer)
	}()

	pkt := []byte{5, 0, 0, 0, mysqlproto.ComBinlogDump, 4, 0, 0, 0}
	_, err := clientPeer.Write(pkt)
	is.NoErr(err)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop after the failed command write")
	}
	is.True(s.stopped())
	is.Equal(testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("forward_command"))-before, 1.0)

	out := logs.String()
	for _, want := range []string{`"msg":"forward.command"`, `"msg":"session.forward.failed"`, `"level":"error"`, `COM_BINLOG_DUMP`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("expected log output to contain %s, got %s", want, out)
		}
	}
}

func TestPlainChunkWriteFailureIsNotCommandError(t *testing.T) {
	is := is.New(t)
	p := New(Config{TargetHost: "db", TargetPort: 3306}, schedule.NewMemoryStore(0))
	client, clientPeer := net.Pipe()
	upstream, upstreamPeer := net.Pipe()
	defer clientPeer.Close()
	defer upstreamPeer.Close()
	is.NoErr(upstream.Close())

	s := newSession("plain-write", client, upstream)
	defer s.close()
	before := testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("forward_command"))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		p.runForwarder(context.Background(), s, clientToServer)
	}()

	_, err := clientPeer.Write([]byte("not a packet"))
	is.NoErr(err)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop after the failed write")
	}
	is.True(s.stopped())
	is.Equal(testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("forward_command"))-before, 0.0)
}

func TestServeShutdownLeavesSessionsRunning(t *testing.T) {
	is := is.New(t)
	host, port := startUpstream(t, func(c net.Conn) { _, _ = io.Copy(c, c) })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)
	p := New(Config{TargetHost: host, TargetPort: port}, schedule.NewMemoryStore(0))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve(ctx, ln) }()

	c := dial(t, ln.Addr().String())
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	is.NoErr(err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	is.NoErr(err)

	cancel()
	is.NoErr(<-errCh)
	is.True(p.Closing())
	is.True(!p.Ready())

	// The session accepted before shutdown keeps relaying.
	_, err = c.Write([]byte("pong"))
	is.NoErr(err)
	_, err = io.ReadFull(c, buf)
	is.NoErr(err)
	is.Equal(string(buf), "pong")

	if _, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second); err == nil {
		t.Error("expected listener to be closed")
	}
	c.Close()
	waitFor(t, "sessions to close", func() bool { return testutil.ToFloat64(obs.ActiveSessions) == 0 })
}

func TestListenAndServe(t *testing.T) {
	is := is.New(t)
	host, port := startUpstream(t, func(c net.Conn) { _, _ = io.Copy(c, c) })
	p := New(Config{ListenPort: 0, TargetHost: host, TargetPort: port}, schedule.NewMemoryStore(0))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.ListenAndServe(ctx) }()
	defer func() {
		cancel()
		is.NoErr(<-errCh)
	}()

	waitFor(t, "listener", func() bool { return p.Addr() != nil })
	c := dial(t, p.Addr().String())
	_, err := c.Write([]byte("hello"))
	is.NoErr(err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	is.NoErr(err)
	is.Equal(string(buf), "hello")
	c.Close()
	waitFor(t, "sessions to close", func() bool { return testutil.ToFloat64(obs.ActiveSessions) == 0 })
}

func TestConfigDefaults(t *testing.T) {
	is := is.New(t)
	cfg := Config{ListenPort: 3307, TargetHost: "::1", TargetPort: 3306}.withDefaults()
	is.Equal(cfg.ListenAddr(), "127.0.0.1:3307")
	is.Equal(cfg.TargetAddr(), "[::1]:3306")
	is.Equal(cfg.DialTimeout, DefaultDialTimeout)
	is.Equal(cfg.ChunkSize, DefaultChunkSize)
	is.Equal(cfg.DrainDelay, DefaultDrainDelay)
}
