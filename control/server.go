// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package control

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// queueSize bounds both directions. Overflow drops the oldest frame.
	queueSize = 1000

	writeTimeout = 5 * time.Second
)

// peer is one accepted operator connection with its goroutine lifetime.
type peer struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Server is the operator facing WebSocket endpoint. Exactly one client is
// active at a time, a newly accepted connection replaces the previous one.
// Commands cross process boundaries only through the bounded inbound and
// outbound queues.
type Server struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	inbound  chan Command
	outbound chan string

	mu     sync.Mutex
	active *peer
}

func NewServer() *Server {
	return &Server{
		log: log.With().Str("caller", "control").Logger(),
		upgrader: websocket.Upgrader{
			// The operator UI connects cross origin in deployments.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		inbound:  make(chan Command, queueSize),
		outbound: make(chan string, queueSize),
	}
}

// Serve blocks accepting connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleWS)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		s.dropPeer(nil)
	}()

	s.log.Info().Str("addr", addr).Msg("Control channel listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// HandleWS upgrades one HTTP request into the active control connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Frames queued while nobody was connected are stale, a fresh peer must
	// not replay them. Drained before the handshake completes so anything
	// sent once the peer is up stays queued.
	s.mu.Lock()
	if s.active == nil {
		for drained := false; !drained; {
			select {
			case <-s.outbound:
			default:
				drained = true
			}
		}
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	p := &peer{conn: conn, done: make(chan struct{})}

	s.mu.Lock()
	if s.active != nil {
		s.log.Info().Msg("Replacing control peer")
		s.active.close()
	}
	s.active = p
	s.mu.Unlock()

	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Control peer connected")
	go s.readLoop(p)
	go s.writeLoop(p)
}

// Inbound returns validated operator commands, consumed by the supervisor.
func (s *Server) Inbound() <-chan Command {
	return s.inbound
}

// Send queues one frame toward the operator. On overflow the oldest frame is
// lost, and anything still queued when a fresh peer connects is discarded.
func (s *Server) Send(cmd Command) {
	frame := cmd.String()
	select {
	case s.outbound <- frame:
		return
	default:
	}
	select {
	case <-s.outbound:
	default:
	}
	select {
	case s.outbound <- frame:
	default:
	}
}

func (s *Server) readLoop(p *peer) {
	defer s.dropPeer(p)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("Control read ended")
			}
			return
		}

		cmd, err := Parse(string(data))
		if err != nil {
			// Bad frame, peer stays connected.
			s.log.Warn().Err(err).Str("frame", string(data)).Msg("Rejecting control frame")
			continue
		}

		select {
		case s.inbound <- cmd:
			continue
		default:
		}
		select {
		case <-s.inbound:
		default:
		}
		select {
		case s.inbound <- cmd:
		default:
		}
	}
}

func (s *Server) writeLoop(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-s.outbound:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				s.log.Debug().Err(err).Msg("Control write failed")
				s.dropPeer(p)
				return
			}
		}
	}
}

// dropPeer closes p and detaches it if still active. A nil p drops whatever
// peer is active.
func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p == nil {
		p = s.active
	}
	if p == nil {
		return
	}
	p.close()
	if s.active == p {
		s.active = nil
	}
}
