// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package bridge couples one dialog's RTP ingress with the speech to speech
// pipeline and the pipeline's answer back to RTP egress. All bridge state is
// owned by the single Run goroutine, collaborators are reached only through
// channels and the media port methods.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhtsol/voicerelay/audio"
	"github.com/dhtsol/voicerelay/media"
	"github.com/dhtsol/voicerelay/pipeline"
)

var (
	ErrPipelineTimeout = errors.New("pipeline timeout")
	ErrPipelineError   = errors.New("pipeline error")
)

// Phase is the bridge turn cycle state.
type Phase int

const (
	PhaseListening Phase = iota
	PhaseCapturing
	PhaseInferring
	PhaseSpeaking
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "LISTENING"
	case PhaseCapturing:
		return "CAPTURING"
	case PhaseInferring:
		return "INFERRING"
	case PhaseSpeaking:
		return "SPEAKING"
	}
	return "UNKNOWN"
}

// MediaPort is the slice of media.Session the bridge drives.
type MediaPort interface {
	Receive() <-chan *rtp.Packet
	EnqueuePayload(payload []byte) error
	Pause()
	Resume()
	QueueLen() int
}

type Config struct {
	// EndpointSilenceFrames of sustained silence close a turn. 10 frames is
	// 200ms.
	EndpointSilenceFrames int
	// MinSpeechFrames the capture buffer must hold before a turn may close.
	// 50 frames is one second.
	MinSpeechFrames int
	// SpeechStartFrames of consecutive speech open a capture, hysteresis
	// against single frame blips.
	SpeechStartFrames int
	// BargeInFrames of speech during playback pause the sender.
	BargeInFrames int
	// PipelineTimeout bounds one inference. An overdue turn is dropped and
	// the bridge returns to listening.
	PipelineTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.EndpointSilenceFrames == 0 {
		c.EndpointSilenceFrames = 10
	}
	if c.MinSpeechFrames == 0 {
		c.MinSpeechFrames = 50
	}
	if c.SpeechStartFrames == 0 {
		c.SpeechStartFrames = 2
	}
	if c.BargeInFrames == 0 {
		c.BargeInFrames = 2
	}
	if c.PipelineTimeout == 0 {
		c.PipelineTimeout = 15 * time.Second
	}
}

type inferResult struct {
	reply pipeline.Reply
	err   error
}

// Bridge is one dialog's media to pipeline coupler.
type Bridge struct {
	log   zerolog.Logger
	cfg   Config
	vad   Detector
	pipe  pipeline.Pipeline
	port  MediaPort
	codec media.Codec

	ctx        context.Context
	phase      Phase
	capture    [][]int16
	recent     [][]int16 // last frames, seeds a capture with its opening speech
	prefix     int
	speechRun  int
	silenceRun int
	langHint   string
	inflight   bool
	results    chan inferResult
}

func New(port MediaPort, codec media.Codec, pipe pipeline.Pipeline, vad Detector, cfg Config) *Bridge {
	cfg.withDefaults()
	if vad == nil {
		vad = NewEnergyDetector()
	}
	prefix := cfg.SpeechStartFrames
	if cfg.BargeInFrames > prefix {
		prefix = cfg.BargeInFrames
	}
	return &Bridge{
		log:     log.With().Str("caller", "bridge").Logger(),
		cfg:     cfg,
		vad:     vad,
		pipe:    pipe,
		port:    port,
		codec:   codec,
		phase:   PhaseListening,
		prefix:  prefix,
		results: make(chan inferResult, 1),
	}
}

func (b *Bridge) Phase() Phase {
	return b.phase
}

// Run consumes the dialog's inbound packets until ctx is cancelled or the
// receive channel closes. It is the only goroutine touching bridge state.
func (b *Bridge) Run(ctx context.Context) {
	b.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-b.port.Receive():
			if !ok {
				return
			}
			b.handlePacket(pkt)
		case res := <-b.results:
			b.handleResult(res)
		}
	}
}

func (b *Bridge) handlePacket(pkt *rtp.Packet) {
	frame := audio.LPCMToSamples(media.DecodePayload(pkt.PayloadType, pkt.Payload))

	if b.vad.Detect(frame) {
		b.speechRun++
		b.silenceRun = 0
	} else {
		b.silenceRun++
		b.speechRun = 0
	}

	// Capture opens only after the hysteresis run, so the frames that
	// satisfied it are already behind us. Keep them around.
	b.recent = append(b.recent, frame)
	if len(b.recent) > b.prefix {
		copy(b.recent, b.recent[1:])
		b.recent = b.recent[:b.prefix]
	}

	switch b.phase {
	case PhaseListening:
		if b.speechRun >= b.cfg.SpeechStartFrames {
			b.phase = PhaseCapturing
			b.capture = append(b.capture[:0], b.recent...)
		}

	case PhaseCapturing:
		b.capture = append(b.capture, frame)
		if b.silenceRun >= b.cfg.EndpointSilenceFrames && len(b.capture) >= b.cfg.MinSpeechFrames {
			b.cutTurn()
		}

	case PhaseInferring:
		// Only the VAD runs here. No second capture while a turn is in
		// flight.

	case PhaseSpeaking:
		if b.speechRun >= b.cfg.BargeInFrames {
			// The caller talks over us. Kill queued playback right away.
			b.log.Debug().Msg("Barge-in, pausing playback")
			b.port.Pause()
			b.phase = PhaseCapturing
			b.capture = append(b.capture[:0], b.recent...)
			return
		}
		if b.port.QueueLen() == 0 {
			b.phase = PhaseListening
		}
	}
}

// cutTurn hands the capture buffer to the pipeline as one turn.
func (b *Bridge) cutTurn() {
	var total int
	for _, f := range b.capture {
		total += len(f)
	}
	pcm := make([]int16, 0, total)
	for _, f := range b.capture {
		pcm = append(pcm, f...)
	}
	b.capture = nil
	b.phase = PhaseInferring
	b.inflight = true
	// Playback may still be gated after a barge-in.
	b.port.Resume()

	b.log.Debug().Int("samples", total).Msg("Turn captured, inferring")
	go b.infer(pipeline.Turn{PCM: pcm, LangHint: b.langHint})
}

func (b *Bridge) infer(turn pipeline.Turn) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.PipelineTimeout)
	defer cancel()

	// The deadline is enforced here, not trusted to the backend. A backend
	// that ignores its context must not wedge the turn cycle, its late
	// reply is discarded.
	done := make(chan inferResult, 1)
	go func() {
		reply, err := b.pipe.Infer(ctx, turn)
		done <- inferResult{reply: reply, err: err}
	}()

	var res inferResult
	select {
	case res = <-done:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res = inferResult{err: fmt.Errorf("%w after %s", ErrPipelineTimeout, b.cfg.PipelineTimeout)}
			} else {
				res = inferResult{err: fmt.Errorf("%w: %s", ErrPipelineError, res.err.Error())}
			}
		}
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Bridge shutdown, nobody is waiting for the result.
			return
		}
		res = inferResult{err: fmt.Errorf("%w after %s", ErrPipelineTimeout, b.cfg.PipelineTimeout)}
	}

	select {
	case b.results <- res:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) handleResult(res inferResult) {
	b.inflight = false

	if res.err != nil {
		// Pipeline failures never terminate the call.
		b.log.Warn().Err(res.err).Msg("Turn dropped")
		b.phase = PhaseListening
		return
	}

	b.langHint = res.reply.Lang
	enqueued := 0
	for _, frame := range audio.FrameLPCM(audio.SamplesToLPCM(res.reply.PCM)) {
		if err := b.port.EnqueuePayload(b.codec.EncodeLPCM(frame)); err != nil {
			b.log.Warn().Err(err).Int("frames", enqueued).Msg("Playback enqueue failed")
			break
		}
		enqueued++
	}

	b.log.Debug().Int("frames", enqueued).Str("lang", res.reply.Lang).Msg("Speaking")
	b.phase = PhaseSpeaking
}
