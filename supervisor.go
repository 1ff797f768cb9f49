// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package voicerelay couples a SIP user agent, per-dialog RTP sessions and a
// WebSocket control channel into one telephony relay. Inbound calls are
// answered and handed to the speech pipeline, outbound calls are placed on
// command from the control channel.
package voicerelay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhtsol/voicerelay/audio"
	"github.com/dhtsol/voicerelay/bridge"
	"github.com/dhtsol/voicerelay/control"
	"github.com/dhtsol/voicerelay/media"
	"github.com/dhtsol/voicerelay/pipeline"
)

// Supervisor owns the SIP stack, the dialog table and the RTP port range.
// One supervisor serves any number of concurrent dialogs.
type Supervisor struct {
	log    zerolog.Logger
	cfg    *Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ctrl   *control.Server
	pipe   pipeline.Pipeline
	ports  *media.PortPool

	vad       bridge.Detector
	bridgeCfg bridge.Config

	mu      sync.Mutex
	dialogs map[string]*Dialog

	closeOnce sync.Once

	runCtx context.Context
}

// NewSupervisor wires the SIP user agent and registers all method handlers.
// The control server and pipeline are owned by the caller.
func NewSupervisor(cfg *Config, ctrl *control.Server, pipe pipeline.Pipeline) (*Supervisor, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voicerelay"),
		sipgo.WithUserAgentHostname(cfg.ExternalIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(cfg.ExternalIP),
		sipgo.WithClientPort(cfg.SIPPort),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	ports, err := media.NewPortPool(cfg.RTPPortStart, cfg.RTPPortEnd)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	s := &Supervisor{
		log:    log.With().Str("caller", "supervisor").Logger(),
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		ctrl:   ctrl,
		pipe:   pipe,
		ports:  ports,
		bridgeCfg: bridge.Config{
			EndpointSilenceFrames: cfg.EndpointSilenceFrames,
			MinSpeechFrames:       cfg.MinSpeechFrames,
			BargeInFrames:         cfg.BargeInFrames,
			PipelineTimeout:       cfg.PipelineTimeout,
		},
		dialogs: make(map[string]*Dialog),
	}
	if cfg.VADThreshold > 0 {
		s.vad = bridge.EnergyDetector{Threshold: int64(cfg.VADThreshold)}
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Supervisor) registerHandlers() {
	s.srv.OnInvite(s.onInvite)
	s.srv.OnAck(s.onAck)
	s.srv.OnBye(s.onBye)
	s.srv.OnCancel(s.onCancel)
	s.srv.OnOptions(s.onOptions)
	s.srv.OnRegister(s.notImplemented)
	s.srv.OnInfo(s.notImplemented)
}

// Run starts the SIP UDP listener and the control command loop. It blocks
// until ctx is cancelled or the listener fails.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runCtx = ctx

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe(ctx, "udp", s.cfg.SIPAddr())
	}()
	s.log.Info().Str("addr", s.cfg.SIPAddr()).Msg("SIP udp listener starting")

	go s.commandLoop(ctx)

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		s.shutdown()
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("sip listener: %w", err)
		}
		return nil
	}
}

// commandLoop consumes control channel commands for the lifetime of ctx.
func (s *Supervisor) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.ctrl.Inbound():
			s.dispatch(ctx, cmd)
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, cmd control.Command) {
	switch cmd.Tag {
	case control.TagCall:
		go func() {
			if err := s.Dial(ctx, cmd.Content); err != nil {
				s.log.Error().Err(err).Str("number", cmd.Content).Msg("Outbound call failed")
			}
		}()

	case control.TagHangup:
		go func() {
			if err := s.HangupLast(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Hangup command failed")
			}
		}()

	case control.TagRTP:
		s.injectFrame(cmd)

	default:
		s.log.Debug().Str("tag", string(cmd.Tag)).Msg("Ignoring control command")
	}
}

// injectFrame queues one control channel audio frame on the active call.
func (s *Supervisor) injectFrame(cmd control.Command) {
	_, payload, err := cmd.RTPFrame()
	if err != nil {
		s.log.Warn().Err(err).Msg("Dropping malformed control frame")
		return
	}
	d := s.lastEstablished()
	if d == nil {
		s.log.Debug().Msg("Control frame with no established dialog")
		return
	}
	if err := d.Media.EnqueuePayload(payload); err != nil {
		s.log.Warn().Err(err).Str("call_id", d.CallID).Msg("Control frame dropped")
	}
}

// dialog looks up a tracked dialog by Call-ID.
func (s *Supervisor) dialog(callID string) *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialogs[callID]
}

// lastEstablished returns the most recently answered established dialog.
func (s *Supervisor) lastEstablished() *Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *Dialog
	for _, d := range s.dialogs {
		if !d.Established() {
			continue
		}
		if last == nil || d.AnsweredAt.After(last.AnsweredAt) {
			last = d
		}
	}
	return last
}

// DialogCount reports tracked dialogs, terminated ones excluded.
func (s *Supervisor) DialogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}

func (s *Supervisor) emit(tag control.Tag, content string) {
	s.ctrl.Send(control.Command{Tag: tag, Content: content})
}

// armBridge starts the media to pipeline coupler for an established dialog.
func (s *Supervisor) armBridge(d *Dialog) {
	ctx, cancel := context.WithCancel(s.runCtx)
	d.bridgeCancel = cancel

	br := bridge.New(d.Media, d.Codec, s.pipe, s.vad, s.bridgeCfg)
	go br.Run(ctx)
}

// playGreeting queues the configured greeting on a freshly answered call.
func (s *Supervisor) playGreeting(d *Dialog) {
	if s.cfg.GreetingWAV == "" {
		return
	}
	go func() {
		lpcm, err := audio.ReadWavLPCM(s.cfg.GreetingWAV)
		if err != nil {
			s.log.Warn().Err(err).Str("path", s.cfg.GreetingWAV).Msg("Greeting skipped")
			return
		}
		for _, frame := range audio.FrameLPCM(lpcm) {
			if err := d.Media.EnqueuePayload(d.Codec.EncodeLPCM(frame)); err != nil {
				s.log.Warn().Err(err).Msg("Greeting enqueue failed")
				return
			}
		}
	}()
}

// finishDialog tears a dialog down exactly once: bridge stopped, media
// stopped, recording optionally flushed, ports released.
func (s *Supervisor) finishDialog(d *Dialog, record bool) {
	s.mu.Lock()
	if d.State == StateTerminating || d.State == StateTerminated {
		s.mu.Unlock()
		return
	}
	d.State = StateTerminating
	delete(s.dialogs, d.CallID)
	s.mu.Unlock()

	if d.bridgeCancel != nil {
		d.bridgeCancel()
	}
	if d.Media != nil {
		d.Media.Stop()
		if record {
			s.saveRecording(d)
		}
	}
	s.ports.Release(d.Ports)

	s.mu.Lock()
	d.State = StateTerminated
	d.EndedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().
		Str("call_id", d.CallID).
		Str("direction", d.Direction.String()).
		Msg("Dialog terminated")
}

// saveRecording writes the dialog's caller audio as an 8kHz mono WAV.
func (s *Supervisor) saveRecording(d *Dialog) {
	lpcm := d.Media.RecordingLPCM()
	if len(lpcm) == 0 {
		return
	}
	if err := os.MkdirAll(s.cfg.RecordingDir, 0o755); err != nil {
		s.log.Error().Err(err).Msg("Creating recording dir failed")
		return
	}

	path := filepath.Join(s.cfg.RecordingDir, d.RecordingName(time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Creating recording failed")
		return
	}
	defer f.Close()

	w := audio.NewWavWriter(f)
	if _, err := w.Write(lpcm); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Writing recording failed")
		return
	}
	if err := w.Close(); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Closing recording failed")
		return
	}
	s.log.Info().Str("path", path).Int("bytes", len(lpcm)).Msg("Recording saved")
}

// shutdown tears down every dialog and closes the SIP stack. Idempotent.
func (s *Supervisor) shutdown() {
	s.closeOnce.Do(func() {
		type teardown struct {
			d      *Dialog
			record bool
		}

		// Dialog state is guarded by s.mu, snapshot the recording decision
		// before dropping the lock.
		s.mu.Lock()
		active := make([]teardown, 0, len(s.dialogs))
		for _, d := range s.dialogs {
			active = append(active, teardown{d: d, record: d.Established()})
		}
		s.mu.Unlock()

		for _, td := range active {
			s.finishDialog(td.d, td.record)
		}

		s.srv.Close()
		s.ua.Close()
		s.log.Info().Msg("Supervisor stopped")
	})
}

// onOptions answers keepalive pings.
func (s *Supervisor) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.log.Error().Err(err).Msg("Responding to OPTIONS failed")
	}
}

func (s *Supervisor) notImplemented(req *sip.Request, tx sip.ServerTransaction) {
	s.log.Debug().Str("method", string(req.Method)).Msg("Unsupported method")
	res := sip.NewResponseFromRequest(req, 501, "Not Implemented", nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error().Err(err).Msg("Responding 501 failed")
	}
}
