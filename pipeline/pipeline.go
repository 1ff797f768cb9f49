// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package pipeline defines the speech to speech backend contract. The bridge
// submits one captured turn of caller audio and plays back whatever waveform
// the backend returns. Recognition, dialogue and synthesis live behind this
// interface and outside this repository.
package pipeline

import (
	"context"
	"time"
)

// Turn is one contiguous captured speech segment, 8kHz mono samples.
type Turn struct {
	PCM []int16
	// LangHint carries the language detected on a previous turn, empty on
	// the first one.
	LangHint string
}

// Reply is the synthesized answer for a turn.
type Reply struct {
	PCM  []int16
	Lang string
}

type Pipeline interface {
	// Infer runs one full recognize, respond, synthesize cycle. It must
	// honor ctx cancellation, the caller enforces a deadline.
	Infer(ctx context.Context, turn Turn) (Reply, error)
}

// Echo plays the caller's own audio back, optionally delayed. Useful for
// loopback tests and demos without any AI backend.
type Echo struct {
	Delay time.Duration
	Lang  string
}

func (e Echo) Infer(ctx context.Context, turn Turn) (Reply, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	lang := e.Lang
	if lang == "" {
		lang = turn.LangHint
	}
	return Reply{PCM: turn.PCM, Lang: lang}, nil
}
