// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhtsol/voicerelay/control"
	"github.com/dhtsol/voicerelay/media"
	"github.com/dhtsol/voicerelay/pipeline"
)

// startSupervisor runs a full supervisor with its SIP listener bound on
// loopback. Each test picks its own ports so they can run in one process.
func startSupervisor(t *testing.T, extra ...string) *Supervisor {
	t.Helper()

	args := append([]string{
		"-sip-host", "127.0.0.1",
		"-recording-dir", t.TempDir(),
	}, extra...)
	cfg, err := LoadConfig(args)
	require.NoError(t, err)

	s, err := NewSupervisor(cfg, control.NewServer(), pipeline.Echo{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			t.Errorf("supervisor run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})

	// Let the UDP listener come up before anyone signals it.
	time.Sleep(300 * time.Millisecond)
	return s
}

type testPeer struct {
	client *sipgo.Client
}

// newTestPeer brings up a second user agent on loopback. Its client shares
// the listening socket, so responses to its requests come back in-process.
func newTestPeer(t *testing.T, port int, register func(*sipgo.Server)) *testPeer {
	t.Helper()

	ua, err := sipgo.NewUA()
	require.NoError(t, err)

	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname("127.0.0.1"),
		sipgo.WithClientPort(port),
	)
	require.NoError(t, err)

	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx, "udp", fmt.Sprintf("127.0.0.1:%d", port))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ua.Close()
	})

	time.Sleep(300 * time.Millisecond)
	return &testPeer{client: client}
}

func dialControl(t *testing.T, s *Supervisor) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.ctrl.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func awaitFinal(t *testing.T, tx sip.ClientTransaction) *sip.Response {
	t.Helper()
	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode >= 200 {
				return res
			}
		case <-tx.Done():
			t.Fatal("transaction ended without a final response")
		case <-time.After(5 * time.Second):
			t.Fatal("no final response")
		}
	}
}

// newInvite builds a full INVITE the way an upstream proxy would send it.
func newInvite(callID string, caller, callee sip.Uri, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, callee)
	req.SetTransport("UDP")
	req.SetDestination(fmt.Sprintf("%s:%d", callee.Host, callee.Port))

	from := &sip.FromHeader{Address: caller}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: callee})
	req.AppendHeader(&sip.ContactHeader{Address: caller})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE}
	req.AppendHeader(&cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetBody(body)
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	contentLength := sip.ContentLengthHeader(len(body))
	req.AppendHeader(&contentLength)
	return req
}

func TestInboundInviteAnsweredAndConfirmed(t *testing.T) {
	s := startSupervisor(t,
		"-sip-port", "15062",
		"-rtp-port-start", "36000",
		"-rtp-port-end", "36100",
	)
	conn := dialControl(t, s)
	peer := newTestPeer(t, 15072, nil)

	offer, err := media.OfferSDP("127.0.0.1", 40000)
	require.NoError(t, err)

	caller := sip.Uri{Scheme: "sip", User: "0903383638", Host: "127.0.0.1", Port: 15072}
	callee := sip.Uri{Scheme: "sip", User: "relay", Host: "127.0.0.1", Port: 15062}
	callID := uuid.NewString()
	req := newInvite(callID, caller, callee, offer)

	tx, err := peer.client.TransactionRequest(context.Background(), req)
	require.NoError(t, err)
	defer tx.Terminate()

	res := awaitFinal(t, tx)
	require.EqualValues(t, 200, res.StatusCode)

	answer, err := media.ParseRemoteSDP(res.Body())
	require.NoError(t, err)
	assert.Equal(t, "PCMA", answer.Codec.Name, "answer confirms the preferred codec")

	to := res.To()
	require.NotNil(t, to)
	_, hasTag := to.Params.Get("tag")
	assert.True(t, hasTag, "200 carries a locally generated to tag")

	assert.Equal(t, "RING_ANS:0903383638", readFrame(t, conn))

	d := s.dialog(callID)
	require.NotNil(t, d)

	require.NoError(t, peer.client.WriteRequest(newAckRequest(req, res, nil)))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return d.State == StateEstablished
	}, 5*time.Second, 20*time.Millisecond)

	s.mu.Lock()
	answered := d.AnsweredAt
	s.mu.Unlock()

	// A retransmitted ACK must not re-confirm the dialog or restart its
	// bridge.
	require.NoError(t, peer.client.WriteRequest(newAckRequest(req, res, nil)))
	time.Sleep(200 * time.Millisecond)

	s.mu.Lock()
	assert.Equal(t, StateEstablished, d.State)
	assert.Equal(t, answered, d.AnsweredAt, "answer time unchanged by the duplicate ACK")
	s.mu.Unlock()
	assert.Equal(t, 1, s.DialogCount())
}

func TestOutboundInviteRejectedByUpstream(t *testing.T) {
	s := startSupervisor(t,
		"-sip-port", "15063",
		"-rtp-port-start", "37000",
		"-rtp-port-end", "37100",
		"-server-host", "127.0.0.1",
		"-server-port", "15073",
	)
	conn := dialControl(t, s)

	newTestPeer(t, 15073, func(srv *sipgo.Server) {
		srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
			res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
			if err := tx.Respond(res); err != nil {
				t.Errorf("responding 486: %v", err)
			}
		})
	})

	before := s.ports.Available()

	// A SIP level rejection is a handled outcome, not a transport error.
	require.NoError(t, s.Dial(context.Background(), "0987654321"))

	assert.Equal(t, "CALL_FAILED:486 Busy Here", readFrame(t, conn))
	assert.Equal(t, before, s.ports.Available(), "rejected call releases its port pair")
	assert.Equal(t, 0, s.DialogCount())
}
