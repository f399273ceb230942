package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stenoproject/stenod/internal/broadcast"
	"github.com/stenoproject/stenod/internal/engine"
	"github.com/stenoproject/stenod/internal/protocol"
	"github.com/stenoproject/stenod/internal/speech"
	"github.com/stenoproject/stenod/internal/store"
)

type serverFixture struct {
	sock string
	eng  *engine.Engine
}

func startServer(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.OpenSqlite(filepath.Join(dir, "test.db"), store.DefaultConfig())
	require.NoError(t, err)

	bus := broadcast.New()
	eng := engine.New(engine.Options{
		Sources:       speech.NullSourceFactory{},
		Recognizers:   speech.NullRecognizerFactory{},
		Probe:         speech.AllowAllProbe{},
		Repo:          repo,
		Sink:          bus,
		DefaultLocale: "en-US",
		LevelInterval: 10 * time.Millisecond,
	})

	sock := filepath.Join(dir, "steno.sock")
	srv := New(sock, NewDispatcher(eng, bus, false), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		require.NoError(t, eng.Stop(context.Background()))
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, repo.Close())
	})
	return &serverFixture{sock: sock, eng: eng}
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, sock string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *testClient) readResponse(t *testing.T) protocol.Response {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func (c *testClient) readEvent(t *testing.T) protocol.Event {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var ev protocol.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestStatusCommand(t *testing.T) {
	f := startServer(t)
	c := dial(t, f.sock)

	c.send(t, `{"cmd":"status"}`)
	resp := c.readResponse(t)
	require.True(t, resp.OK)
	require.Equal(t, "idle", resp.Status)
	require.NotNil(t, resp.Recording)
	require.False(t, *resp.Recording)
	require.Empty(t, resp.SessionID)
}

func TestDevicesCommand(t *testing.T) {
	f := startServer(t)
	c := dial(t, f.sock)

	c.send(t, `{"cmd":"devices"}`)
	resp := c.readResponse(t)
	require.True(t, resp.OK)
	require.NotNil(t, resp.Devices)
}

func TestMalformedLineKeepsConnectionAlive(t *testing.T) {
	f := startServer(t)
	c := dial(t, f.sock)

	c.send(t, `{not json`)
	resp := c.readResponse(t)
	require.False(t, resp.OK)
	require.Equal(t, "bad command", resp.Error)

	c.send(t, `{"cmd":"status"}`)
	require.True(t, c.readResponse(t).OK)
}

func TestUnknownCommandRejected(t *testing.T) {
	f := startServer(t)
	c := dial(t, f.sock)

	c.send(t, `{"cmd":"frobnicate"}`)
	resp := c.readResponse(t)
	require.False(t, resp.OK)
	require.Equal(t, "bad command", resp.Error)
}

func TestSubscribeRejectsUnknownTag(t *testing.T) {
	f := startServer(t)
	c := dial(t, f.sock)

	c.send(t, `{"cmd":"subscribe","events":["heartbeat"]}`)
	resp := c.readResponse(t)
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown event")
}

func TestStartStopWithSubscriber(t *testing.T) {
	f := startServer(t)
	commands := dial(t, f.sock)
	subscriber := dial(t, f.sock)

	subscriber.send(t, `{"cmd":"subscribe","events":["status"]}`)
	require.True(t, subscriber.readResponse(t).OK)

	commands.send(t, `{"cmd":"start","locale":"de-DE"}`)
	started := commands.readResponse(t)
	require.True(t, started.OK)
	require.NotEmpty(t, started.SessionID)

	// starting then recording
	ev := subscriber.readEvent(t)
	require.Equal(t, protocol.EventStatus, ev.Event)
	ev = subscriber.readEvent(t)
	require.Equal(t, protocol.EventStatus, ev.Event)
	require.NotNil(t, ev.Recording)
	require.True(t, *ev.Recording)

	commands.send(t, `{"cmd":"status"}`)
	status := commands.readResponse(t)
	require.True(t, status.OK)
	require.Equal(t, "recording", status.Status)
	require.Equal(t, started.SessionID, status.SessionID)

	commands.send(t, `{"cmd":"start"}`)
	rejected := commands.readResponse(t)
	require.False(t, rejected.OK)
	require.NotEmpty(t, rejected.Error)

	commands.send(t, `{"cmd":"stop"}`)
	stopped := commands.readResponse(t)
	require.True(t, stopped.OK)
	require.Equal(t, started.SessionID, stopped.SessionID)
	require.NotNil(t, stopped.Segments)
}

func TestOversizedLineClosesConnection(t *testing.T) {
	f := startServer(t)
	c := dial(t, f.sock)

	huge := `{"cmd":"status","padding":"` + strings.Repeat("x", protocol.MaxLineBytes) + `"}`
	c.send(t, huge)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadBytes('\n')
	require.Error(t, err)
}

func TestConcurrentClientsGetOwnResponses(t *testing.T) {
	f := startServer(t)

	const clients = 4
	done := make(chan struct{}, clients)
	for i := 0; i < clients; i++ {
		c := dial(t, f.sock)
		go func(c *testClient) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				c.send(t, `{"cmd":"status"}`)
				resp := c.readResponse(t)
				require.True(t, resp.OK)
			}
		}(c)
	}
	for i := 0; i < clients; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("client did not finish")
		}
	}
}
