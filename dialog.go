// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/dhtsol/voicerelay/media"
)

type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// DialogState tracks one call leg through its lifetime. Transitions only
// move forward.
type DialogState int

const (
	StateIdle DialogState = iota
	// StateCalling, outbound INVITE sent, no response yet.
	StateCalling
	// StateRinging, 180 received or sent.
	StateRinging
	// StateEarly, 183 Session Progress received.
	StateEarly
	// StateAnswered, 200 exchanged but the dialog is not confirmed yet.
	StateAnswered
	// StateEstablished, ACK exchanged, media is flowing.
	StateEstablished
	StateTerminating
	StateTerminated
)

func (s DialogState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCalling:
		return "CALLING"
	case StateRinging:
		return "RINGING"
	case StateEarly:
		return "EARLY"
	case StateAnswered:
		return "ANSWERED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Dialog is one SIP call leg and its media session. All mutable fields are
// guarded by the supervisor's dialog lock.
type Dialog struct {
	CallID    string
	Direction Direction
	State     DialogState
	// Peer is the remote party, the caller's user part inbound, the dialed
	// number outbound.
	Peer      string
	LocalTag  string
	RemoteTag string
	CSeq      uint32

	Media *media.Session
	Ports media.PortPair
	Codec media.Codec

	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time

	// ackSent guards against re-ACKing retransmitted 200s on the outbound
	// leg.
	ackSent bool

	inviteReq    *sip.Request
	inviteRes    *sip.Response
	remoteTarget *sip.Uri

	bridgeCancel context.CancelFunc
}

// Established reports whether media and signaling are both confirmed.
func (d *Dialog) Established() bool {
	return d.State == StateEstablished
}

// RecordingName builds the recording file name for this dialog,
// YYYYMMDD_HHMMSS followed by the first eight Call-ID characters.
func (d *Dialog) RecordingName(now time.Time) string {
	id := d.CallID
	if len(id) > 8 {
		id = id[:8]
	}
	return now.Format("20060102_150405") + "_" + id + ".wav"
}
