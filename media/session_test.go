// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, codec Codec) *Session {
	t.Helper()
	pool, err := NewPortPool(34000, 34400)
	require.NoError(t, err)

	// The range may be partially taken on shared CI hosts, walk it.
	for pool.Available() > 0 {
		pair, err := pool.Allocate()
		require.NoError(t, err)
		sess, err := NewSession("127.0.0.1", pair, codec)
		if err != nil {
			continue
		}
		t.Cleanup(sess.Stop)
		return sess
	}
	t.Fatal("no free port pair for test session")
	return nil
}

func TestSessionPauseDrainsQueue(t *testing.T) {
	sess := newTestSession(t, CodecPCMA)

	for i := 0; i < 10; i++ {
		require.NoError(t, sess.EnqueuePayload(CodecPCMA.SilenceFrame()))
	}
	require.Equal(t, 10, sess.QueueLen())

	sess.Pause()
	assert.True(t, sess.IsPaused())
	assert.Equal(t, 0, sess.QueueLen())

	sess.Resume()
	assert.False(t, sess.IsPaused())
}

func TestSenderSequenceAndTimestamp(t *testing.T) {
	sess := newTestSession(t, CodecPCMA)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	sess.SetRemote(peer.LocalAddr().(*net.UDPAddr))
	sess.Start()

	buf := make([]byte, ReadBufferSize)
	var packets []*rtp.Packet
	for len(packets) < 6 {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		pkt, err := UnmarshalPacket(buf[:n])
		require.NoError(t, err)
		packets = append(packets, pkt)
	}

	assert.True(t, packets[0].Marker, "first packet carries marker")
	assert.EqualValues(t, 0, packets[0].Timestamp)
	for i := 1; i < len(packets); i++ {
		prev, cur := packets[i-1], packets[i]
		assert.Equal(t, prev.SequenceNumber+1, cur.SequenceNumber)
		assert.Equal(t, prev.Timestamp+160, cur.Timestamp)
		assert.Equal(t, prev.SSRC, cur.SSRC)
		assert.EqualValues(t, 8, cur.PayloadType)
		assert.False(t, cur.Marker)
		assert.Len(t, cur.Payload, 160)
	}
}

func TestSenderEmitsSilenceWhenIdle(t *testing.T) {
	sess := newTestSession(t, CodecPCMU)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	sess.SetRemote(peer.LocalAddr().(*net.UDPAddr))
	sess.Start()

	buf := make([]byte, ReadBufferSize)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt, err := UnmarshalPacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 160), pkt.Payload)
}

func TestReceiverStatsAndLoss(t *testing.T) {
	sess := newTestSession(t, CodecPCMA)
	sess.Start()

	var frames atomic.Int32
	sess.OnFrame(func(pt uint8, payload []byte) { frames.Add(1) })

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.Ports.Recv}
	// A gap across the 16 bit wraparound: 65534, 65535, then 2 (0 and 1 lost).
	for _, seq := range []uint16{65534, 65535, 2} {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    8,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 160,
				SSRC:           7,
			},
			Payload: CodecPCMA.SilenceFrame(),
		}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = peer.WriteToUDP(data, dst)
		require.NoError(t, err)
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 3 {
		select {
		case <-sess.Receive():
			received++
		case <-timeout:
			t.Fatal("packets not delivered")
		}
	}

	assert.EqualValues(t, 3, frames.Load())

	stats := sess.Stats()
	assert.EqualValues(t, 3, stats.TotalPackets)
	assert.EqualValues(t, 2, stats.LostPackets)
	assert.EqualValues(t, 2, stats.LastSequence)
	assert.EqualValues(t, 3*(RTPHeaderSize+160), stats.TotalBytes)

	// Every payload was linearized into the recording buffer.
	assert.Len(t, sess.RecordingLPCM(), 3*320)
}

func TestReceiverLateStragglerIsNotLoss(t *testing.T) {
	sess := newTestSession(t, CodecPCMA)
	sess.Start()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.Ports.Recv}
	// 9 arrives late between 11 and 12. Nothing was lost, the stream just
	// reordered, so the loss counter must stay at zero.
	for _, seq := range []uint16{10, 11, 9, 12} {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    8,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 160,
				SSRC:           7,
			},
			Payload: CodecPCMA.SilenceFrame(),
		}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = peer.WriteToUDP(data, dst)
		require.NoError(t, err)
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 4 {
		select {
		case <-sess.Receive():
			received++
		case <-timeout:
			t.Fatal("packets not delivered")
		}
	}

	stats := sess.Stats()
	assert.EqualValues(t, 4, stats.TotalPackets)
	assert.EqualValues(t, 0, stats.LostPackets)
	assert.EqualValues(t, 12, stats.LastSequence)
}

func TestReceiverDropsMalformed(t *testing.T) {
	sess := newTestSession(t, CodecPCMA)
	sess.Start()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.Ports.Recv}
	_, err = peer.WriteToUDP([]byte("junk"), dst)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sess.Stats().Malformed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, sess.Stats().TotalPackets)
}
