// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sendQueueSize = 500
	recvQueueSize = 500

	// enqueueTimeout bounds a producer pushing into a full send queue. The
	// sender drains at a fixed 50 pps, so a full queue means the pipeline is
	// over-producing and the frame is dropped.
	enqueueTimeout = 100 * time.Millisecond

	// readTimeout lets the receiver observe shutdown between datagrams.
	readTimeout = 1 * time.Second
)

var ErrTransport = errors.New("transport failure")

// Stats is a snapshot of one session's receive counters.
type Stats struct {
	TotalPackets uint64
	TotalBytes   uint64
	LostPackets  uint64
	Malformed    uint64
	LastSequence uint16
}

// FrameSink receives every inbound payload. The supervisor wires it to the
// control channel at dialog creation, the session itself holds no global
// state.
type FrameSink func(payloadType uint8, payload []byte)

// Session is one dialog's RTP endpoint. It owns a receive socket and a send
// socket on the dialog's port pair and runs one sender and one receiver
// goroutine between Start and Stop.
//
// The sender paces at one packet per 20ms. While paused, or when the send
// queue is empty, it emits companded silence so the far end sees continuous
// media.
type Session struct {
	log   zerolog.Logger
	Codec Codec
	Ports PortPair

	recvConn *net.UDPConn
	sendConn *net.UDPConn
	ssrc     uint32

	sendQ chan []byte
	recvQ chan *rtp.Packet

	paused atomic.Bool

	// Sender state, touched only by sendLoop after Start.
	seq       RTPSequencer
	timestamp uint32
	first     bool

	mu        sync.Mutex
	raddr     *net.UDPAddr
	stats     Stats
	recSeq    RTPSequencer
	recBase   uint64 // extended sequence of the first packet
	seenFirst bool
	recording []byte
	sink      FrameSink

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession binds the receive and send sockets on the pair. The caller owns
// the pair and releases it after Stop.
func NewSession(localIP string, ports PortPair, codec Codec) (*Session, error) {
	ip := net.ParseIP(localIP)
	if ip == nil {
		return nil, fmt.Errorf("%w: local ip %q", ErrTransport, localIP)
	}

	recvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: ports.Recv})
	if err != nil {
		return nil, fmt.Errorf("%w: binding %s:%d: %s", ErrTransport, localIP, ports.Recv, err.Error())
	}
	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: ports.Send})
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("%w: binding %s:%d: %s", ErrTransport, localIP, ports.Send, err.Error())
	}

	return &Session{
		log:      log.With().Str("caller", "media").Int("port", ports.Recv).Logger(),
		Codec:    codec,
		Ports:    ports,
		recvConn: recvConn,
		sendConn: sendConn,
		ssrc:     rand.Uint32(),
		sendQ:    make(chan []byte, sendQueueSize),
		recvQ:    make(chan *rtp.Packet, recvQueueSize),
		seq:      NewRTPSequencer(),
		first:    true,
		closed:   make(chan struct{}),
	}, nil
}

// SetRemote points the sender at the peer's media address from its SDP.
func (s *Session) SetRemote(addr *net.UDPAddr) {
	s.mu.Lock()
	s.raddr = addr
	s.mu.Unlock()
}

func (s *Session) Remote() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raddr
}

// OnFrame attaches the inbound frame sink. Must be set before Start.
func (s *Session) OnFrame(sink FrameSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Start launches the sender and receiver loops.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.sendLoop()
	go s.recvLoop()
}

// Stop terminates both loops and closes the sockets. Safe to call twice.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.recvConn.Close()
		s.sendConn.Close()
	})
	s.wg.Wait()
}

// EnqueuePayload queues one pre-encoded 160 byte payload for sending. Blocks
// up to enqueueTimeout when the queue is full, then drops.
func (s *Session) EnqueuePayload(payload []byte) error {
	select {
	case s.sendQ <- payload:
		return nil
	case <-s.closed:
		return net.ErrClosed
	case <-time.After(enqueueTimeout):
		return fmt.Errorf("send queue full, frame dropped")
	}
}

// QueueLen returns the number of frames waiting to be sent.
func (s *Session) QueueLen() int {
	return len(s.sendQ)
}

// Pause gates sending to silence and drains queued frames. Called by the
// bridge on barge-in, stale speech must not play once the user talks again.
func (s *Session) Pause() {
	s.paused.Store(true)
	for {
		select {
		case <-s.sendQ:
		default:
			return
		}
	}
}

func (s *Session) Resume() {
	s.paused.Store(false)
}

func (s *Session) IsPaused() bool {
	return s.paused.Load()
}

// Receive returns the inbound packet channel read by the bridge. On overflow
// the oldest packet is dropped.
func (s *Session) Receive() <-chan *rtp.Packet {
	return s.recvQ
}

// Stats returns a copy of the receive counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RecordingLPCM returns all received audio linearized to 16bit PCM.
func (s *Session) RecordingLPCM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.recording))
	copy(out, s.recording)
	return out
}

func (s *Session) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Codec.SampleDur)
	defer ticker.Stop()
	silence := s.Codec.SilenceFrame()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		payload := silence
		if !s.paused.Load() {
			select {
			case p := <-s.sendQ:
				payload = p
			default:
			}
		}

		raddr := s.Remote()
		if raddr == nil {
			continue
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        RTPVersion,
				Marker:         s.first,
				PayloadType:    s.Codec.PayloadType,
				SequenceNumber: s.seq.NextSeqNumber(),
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		s.first = false
		s.timestamp += s.Codec.SamplesPerFrame()

		data, err := pkt.Marshal()
		if err != nil {
			s.log.Error().Err(err).Msg("Marshaling outbound packet failed")
			continue
		}
		if _, err := s.sendConn.WriteToUDP(data, raddr); err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Debug().Err(err).Msg("Sending packet failed")
		}
	}
}

func (s *Session) recvLoop() {
	defer s.wg.Done()

	buf := make([]byte, ReadBufferSize)
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		s.recvConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := s.recvConn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.closed:
			default:
				s.log.Error().Err(err).Msg("Receive socket failed")
			}
			return
		}

		pkt, err := UnmarshalPacket(buf[:n])
		if err != nil {
			s.mu.Lock()
			s.stats.Malformed++
			s.mu.Unlock()
			s.log.Debug().Err(err).Msg("Dropping malformed packet")
			continue
		}

		s.handleIncoming(pkt, n)
	}
}

func (s *Session) handleIncoming(pkt *rtp.Packet, wireSize int) {
	s.mu.Lock()
	s.stats.TotalPackets++
	s.stats.TotalBytes += uint64(wireSize)
	if !s.seenFirst {
		s.seenFirst = true
		s.recSeq.InitSeq(pkt.SequenceNumber)
		s.recBase = s.recSeq.ExtendedSeq()
	} else if err := s.recSeq.UpdateSeq(pkt.SequenceNumber); err == nil {
		// Cumulative loss is expected minus received over the extended
		// sequence, wraparound is absorbed by the cycle count.
		ext := s.recSeq.ExtendedSeq()
		if ext < s.recBase {
			// The far end restarted its stream, re-anchor.
			s.recBase = ext
			s.stats.LostPackets = 0
		} else if expected := ext - s.recBase + 1; expected > s.stats.TotalPackets {
			s.stats.LostPackets = expected - s.stats.TotalPackets
		}
	}
	s.stats.LastSequence = pkt.SequenceNumber

	s.recording = append(s.recording, DecodePayload(pkt.PayloadType, pkt.Payload)...)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink(pkt.PayloadType, pkt.Payload)
	}

	select {
	case s.recvQ <- pkt:
	default:
		// Full. Lose the oldest packet, never block the socket reader.
		select {
		case <-s.recvQ:
		default:
		}
		select {
		case s.recvQ <- pkt:
		default:
		}
	}
}
