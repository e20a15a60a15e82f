package testutil

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSServer is an in-process WebSocket server for transport tests.
type WSServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	writeMu      sync.Mutex
	conns        []*websocket.Conn
	frames       [][]byte
	headers      []http.Header
	pings        int
	closeCodes   []int
	rejectStatus int
	onConnect    []byte
}

// NewWSServer starts a server that is closed when the test ends.
func NewWSServer(t *testing.T) *WSServer {
	t.Helper()

	s := &WSServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *WSServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// RejectWith makes subsequent handshakes fail with status; 0 accepts again.
func (s *WSServer) RejectWith(status int) {
	s.mu.Lock()
	s.rejectStatus = status
	s.mu.Unlock()
}

// GreetWith sends frame to every new connection right after the upgrade.
func (s *WSServer) GreetWith(frame []byte) {
	s.mu.Lock()
	s.onConnect = frame
	s.mu.Unlock()
}

func (s *WSServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.rejectStatus
	s.headers = append(s.headers, r.Header.Clone())
	greeting := s.onConnect
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetPingHandler(func(appData string) error {
		s.mu.Lock()
		s.pings++
		s.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	if greeting != nil {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, greeting)
		s.writeMu.Unlock()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.mu.Lock()
				s.closeCodes = append(s.closeCodes, closeErr.Code)
				s.mu.Unlock()
			}
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, data)
		s.mu.Unlock()
	}
}

func (s *WSServer) latest() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil, fmt.Errorf("no client connected")
	}
	return s.conns[len(s.conns)-1], nil
}

// Push writes a text frame to the most recent connection.
func (s *WSServer) Push(frame []byte) error {
	conn, err := s.latest()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// CloseWith sends a close frame with code to the most recent connection and
// tears it down.
func (s *WSServer) CloseWith(code int, text string) error {
	conn, err := s.latest()
	if err != nil {
		return err
	}
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return err
	}
	return conn.Close()
}

// Drop closes the most recent connection without a close frame.
func (s *WSServer) Drop() error {
	conn, err := s.latest()
	if err != nil {
		return err
	}
	return conn.Close()
}

// Connections returns the number of accepted upgrades.
func (s *WSServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Frames returns a copy of every text frame received so far.
func (s *WSServer) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Pings returns the number of ping control frames received.
func (s *WSServer) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// CloseCodes returns the close codes sent by clients, in arrival order.
func (s *WSServer) CloseCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.closeCodes))
	copy(out, s.closeCodes)
	return out
}

// LastHeader returns the request header of the latest handshake attempt.
func (s *WSServer) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

// Close shuts the server and every open connection down.
func (s *WSServer) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.server.Close()
}

// WaitForFrames waits until at least count frames were received.
func (s *WSServer) WaitForFrames(t *testing.T, count int, timeout time.Duration) [][]byte {
	t.Helper()
	waitFor(t, timeout, func() bool { return len(s.Frames()) >= count },
		func() string { return fmt.Sprintf("timeout waiting for %d frames (got %d)", count, len(s.Frames())) })
	return s.Frames()
}

// WaitForConnections waits until at least count upgrades were accepted.
func (s *WSServer) WaitForConnections(t *testing.T, count int, timeout time.Duration) {
	t.Helper()
	waitFor(t, timeout, func() bool { return s.Connections() >= count },
		func() string { return fmt.Sprintf("timeout waiting for %d connections (got %d)", count, s.Connections()) })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg func() string) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return
		}
		select {
		case <-deadline.C:
			t.Fatal(msg())
			return
		case <-ticker.C:
		}
	}
}
