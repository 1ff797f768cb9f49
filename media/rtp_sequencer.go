// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"math/rand"
)

// RFC 3550 recommended thresholds.
const (
	maxMisorder uint16 = 100
	maxDropout  uint16 = 3000
	maxSeqNum   uint16 = 65535
)

var (
	ErrRTPSequenceBad       = errors.New("bad sequence")
	ErrRTPSequenceDuplicate = errors.New("sequence duplicate")
)

// RTPSequencer tracks a 16 bit RTP sequence number together with its
// wraparound count, giving an extended sequence usable for loss accounting.
// Not safe for concurrent use, wrap it if shared.
type RTPSequencer struct {
	seqNum    uint16 // highest sequence received or created
	wrapCount uint16

	badSeq uint16
}

func NewRTPSequencer() RTPSequencer {
	sn := RTPSequencer{}
	sn.InitSeq(uint16(rand.Uint32()))
	return sn
}

func (sn *RTPSequencer) InitSeq(seq uint16) {
	sn.seqNum = seq
	sn.badSeq = maxSeqNum
	sn.wrapCount = 0
}

// UpdateSeq validates a received sequence number following
// https://datatracker.ietf.org/doc/html/rfc1889#appendix-A.2
func (sn *RTPSequencer) UpdateSeq(seq uint16) error {
	maxSeq := sn.seqNum

	udelta := seq - maxSeq
	if udelta < maxDropout {
		if seq < maxSeq {
			// Wrapped
			sn.wrapCount++
		}
		sn.seqNum = seq
		return nil
	}

	if udelta <= maxSeqNum-maxMisorder {
		// Very large jump. Two in a row restarts the sequence.
		if seq == sn.badSeq {
			sn.InitSeq(seq)
			return nil
		}

		sn.badSeq = seq + 1
		return ErrRTPSequenceBad
	}

	return ErrRTPSequenceDuplicate
}

// ExtendedSeq returns the sequence number extended over wraparounds.
func (sn *RTPSequencer) ExtendedSeq() uint64 {
	return uint64(sn.seqNum) + (uint64(maxSeqNum)+1)*uint64(sn.wrapCount)
}

func (sn *RTPSequencer) Seq() uint16 {
	return sn.seqNum
}

// NextSeqNumber increments and returns the sequence, mod 2^16.
func (sn *RTPSequencer) NextSeqNumber() uint16 {
	sn.seqNum++
	if sn.seqNum == 0 {
		sn.wrapCount++
	}

	return sn.seqNum
}
