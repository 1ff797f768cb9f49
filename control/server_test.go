// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerInboundCommands(t *testing.T) {
	s := NewServer()
	conn := dialTestServer(t, s)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("CALL:0987654321")))

	select {
	case cmd := <-s.Inbound():
		assert.Equal(t, TagCall, cmd.Tag)
		assert.Equal(t, "0987654321", cmd.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestServerKeepsConnectionOnBadFrame(t *testing.T) {
	s := NewServer()
	conn := dialTestServer(t, s)

	// Malformed frame is logged and dropped, the next valid one still works.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("CALL:abc")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("HANGUP")))

	select {
	case cmd := <-s.Inbound():
		assert.Equal(t, TagHangup, cmd.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("valid command after bad frame not delivered")
	}
}

func TestServerSendReachesPeer(t *testing.T) {
	s := NewServer()
	conn := dialTestServer(t, s)

	s.Send(Command{Tag: TagBye, Content: "abc"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "BYE:abc", string(data))
}

func TestServerOutboundOverflowDropsOldest(t *testing.T) {
	s := NewServer()

	// No peer connected, frames pile up in the queue.
	for i := 0; i < queueSize+5; i++ {
		s.Send(Command{Tag: TagCallIgnore})
	}
	assert.Equal(t, queueSize, len(s.outbound))
}

func TestServerNewPeerSkipsStaleFrames(t *testing.T) {
	s := NewServer()

	// Media frames pile up while nobody is connected.
	for i := 0; i < 50; i++ {
		s.Send(NewRTPFrame(8, []byte{0xd5, 0xd5}))
	}

	conn := dialTestServer(t, s)

	// The connect handler flushes the backlog before the write loop starts.
	require.Eventually(t, func() bool {
		return len(s.outbound) == 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Send(Command{Tag: TagCallAns, Content: "abc"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "CALL_ANS:abc", string(data), "first delivered frame is the live one")
}

func TestServerReplacesPeer(t *testing.T) {
	s := NewServer()
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	// The first connection is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	require.Error(t, err)

	// The second one receives outbound traffic.
	s.Send(Command{Tag: TagCallAns})
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "CALL_ANS", string(data))
}
