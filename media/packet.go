// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// RTPHeaderSize is the fixed RTP header, without CSRC and extensions.
	RTPHeaderSize = 12
	// RTPVersion is the only version parsed or emitted.
	RTPVersion = 2
	// ReadBufferSize bounds one datagram read. SIP and RTP both must fit a
	// single datagram, there is no reassembly.
	ReadBufferSize = 2048
)

var ErrMalformedPacket = errors.New("malformed packet")

// UnmarshalPacket parses an RTP datagram, rejecting short or non version 2
// packets with ErrMalformedPacket. CSRC and extension words are parsed but
// otherwise ignored by the engine.
func UnmarshalPacket(data []byte) (*rtp.Packet, error) {
	if len(data) < RTPHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	if version := data[0] >> 6; version != RTPVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedPacket, version)
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPacket, err.Error())
	}
	return pkt, nil
}
