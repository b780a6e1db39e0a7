package echo_test

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agent-racer/sessionpool/internal/config"
	"github.com/agent-racer/sessionpool/internal/echo"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events map[int][]sessionpool.State
}

func newRecorder() *recorder {
	return &recorder{events: make(map[int][]sessionpool.State)}
}

func (r *recorder) callback(state sessionpool.State, handle int, _ sessionpool.Session, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[handle] = append(r.events[handle], state)
}

func (r *recorder) states(handle int) []sessionpool.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sessionpool.State(nil), r.events[handle]...)
}

func (r *recorder) handles() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for id := range r.events {
		ids = append(ids, id)
	}
	return ids
}

func startPool(t *testing.T) *sessionpool.SessionPool {
	t.Helper()
	cfg := config.DefaultPoolConfig()
	cfg.AbortPollInterval = 2 * time.Millisecond
	sp := sessionpool.New(cfg, nil, sessionpool.WithLogger(logging.Discard()))
	require.NoError(t, sp.Start())
	t.Cleanup(func() { _ = sp.StopAndRemoveAllSessions() })
	return sp
}

func TestEchoOverLoopback(t *testing.T) {
	sp := startPool(t)
	rec := newRecorder()
	factory := echo.NewFactory()

	lid, err := sp.Listen("127.0.0.1:0", 16, factory, rec.callback, nil, sessionpool.ListenOptions{ReuseAddress: true})
	require.NoError(t, err)
	port, err := sp.PortNumber(lid)
	require.NoError(t, err)
	require.NotZero(t, port)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.handles()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sp.NumSessions())

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	var child int
	for _, id := range rec.handles() {
		if id != lid {
			child = id
		}
	}
	require.NotZero(t, child)
	assert.Equal(t, []sessionpool.State{sessionpool.SessionUp}, rec.states(child))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(rec.states(child)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []sessionpool.State{sessionpool.SessionUp, sessionpool.SessionDown}, rec.states(child))
	assert.Equal(t, 0, sp.NumSessions())
	require.Eventually(t, func() bool { return factory.Live() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sp.CloseHandle(child), sessionpool.ErrHandleNotFound)
	assert.Empty(t, rec.states(lid))
}

func TestConnectEchoesPeerData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Write([]byte("hello")); err != nil {
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err == nil {
			got <- string(buf)
		}
	}()

	sp := startPool(t)
	rec := newRecorder()
	factory := &echo.Factory{Async: true}
	id, err := sp.Connect(ln.Addr().String(), 1, time.Second, factory, rec.callback, nil, sessionpool.ConnectOptions{})
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo from pool")
	}
	require.Eventually(t, func() bool { return len(rec.states(id)) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sessionpool.SessionUp, rec.states(id)[0])

	// The peer may already have hung up.
	_ = sp.CloseHandle(id)
	require.Eventually(t, func() bool {
		s := rec.states(id)
		return len(s) == 2 && s[1] == sessionpool.SessionDown
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectFailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sp := startPool(t)
	rec := newRecorder()
	id, err := sp.Connect(addr, 2, 10*time.Millisecond, echo.NewFactory(), rec.callback, nil, sessionpool.ConnectOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.states(id)) == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []sessionpool.State{sessionpool.ConnectAttemptFailed, sessionpool.ConnectFailed}, rec.states(id))
}

func TestAbortConnectOverRealPool(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sp := startPool(t)
	rec := newRecorder()
	id, err := sp.Connect(addr, 1000, 50*time.Millisecond, echo.NewFactory(), rec.callback, nil, sessionpool.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, sp.CloseHandle(id))

	require.Eventually(t, func() bool {
		s := rec.states(id)
		return len(s) > 0 && s[len(s)-1].Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	s := rec.states(id)
	assert.Equal(t, sessionpool.ConnectAborted, s[len(s)-1])
	for _, st := range s[:len(s)-1] {
		assert.Equal(t, sessionpool.ConnectAttemptFailed, st)
	}
}

func TestStopDeliversSessionDown(t *testing.T) {
	sp := startPool(t)
	rec := newRecorder()
	factory := echo.NewFactory()
	lid, err := sp.Listen("127.0.0.1:0", 0, factory, rec.callback, nil, sessionpool.ListenOptions{})
	require.NoError(t, err)
	port, err := sp.PortNumber(lid)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return sp.NumSessions() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sp.Stop())
	assert.Equal(t, 0, sp.NumSessions())
	downs := 0
	for _, id := range rec.handles() {
		for _, st := range rec.states(id) {
			if st == sessionpool.SessionDown {
				downs++
			}
		}
	}
	assert.Equal(t, 1, downs)
	assert.Equal(t, 0, factory.Live())
}

func TestFactoryFailures(t *testing.T) {
	sp := startPool(t)
	rec := newRecorder()

	tests := []struct {
		name    string
		factory *echo.Factory
		want    sessionpool.State
	}{
		{"alloc", &echo.Factory{AllocErr: errors.New("no memory")}, sessionpool.SessionAllocFailed},
		{"start", &echo.Factory{StartErr: errors.New("bad start")}, sessionpool.SessionStartupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()
			id, err := sp.Import(a, tt.factory, rec.callback, nil)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return len(rec.states(id)) == 1 }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, []sessionpool.State{tt.want}, rec.states(id))
			require.Eventually(t, func() bool { return tt.factory.Live() == 0 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}
