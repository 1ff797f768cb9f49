// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dhtsol/voicerelay/audio"
)

var (
	// The only codecs the relay negotiates. PCMA is preferred.
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA", SampleRate: 8000, SampleDur: 20 * time.Millisecond, Silence: audio.SilenceAlaw}
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU", SampleRate: 8000, SampleDur: 20 * time.Millisecond, Silence: audio.SilenceUlaw}
)

// ErrCodecUnsupported is returned when an SDP offer carries no G.711 format.
var ErrCodecUnsupported = fmt.Errorf("codec unsupported")

type Codec struct {
	PayloadType uint8
	Name        string
	SampleRate  uint32
	SampleDur   time.Duration
	// Silence is the companded byte filling keepalive frames.
	Silence byte
}

func (c *Codec) String() string {
	return fmt.Sprintf("%s pt=%d rate=%d dur=%s", c.Name, c.PayloadType, c.SampleRate, c.SampleDur.String())
}

// SamplesPerFrame returns samples in one packetization interval. This is also
// the timestamp increment per RTP packet.
func (c *Codec) SamplesPerFrame() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// SilenceFrame returns one frame worth of companded silence.
func (c *Codec) SilenceFrame() []byte {
	frame := make([]byte, c.SamplesPerFrame())
	for i := range frame {
		frame[i] = c.Silence
	}
	return frame
}

// EncodeLPCM compands one buffer of 16bit LE linear PCM.
func (c *Codec) EncodeLPCM(lpcm []byte) []byte {
	if c.PayloadType == CodecPCMU.PayloadType {
		return audio.EncodeUlaw(lpcm)
	}
	return audio.EncodeAlaw(lpcm)
}

// DecodePayload linearizes an RTP payload. Payload types other than PCMA and
// PCMU are decoded as PCMA, same as a peer sending an unadvertised format.
func DecodePayload(payloadType uint8, payload []byte) []byte {
	switch payloadType {
	case CodecPCMU.PayloadType:
		return audio.DecodeUlaw(payload)
	case CodecPCMA.PayloadType:
	default:
		log.Warn().Uint8("pt", payloadType).Msg("Unrecognized payload type, decoding as PCMA")
	}
	return audio.DecodeAlaw(payload)
}

// CodecFromPayloadType maps a payload type byte to a supported codec.
func CodecFromPayloadType(payloadType uint8) (Codec, error) {
	switch payloadType {
	case CodecPCMA.PayloadType:
		return CodecPCMA, nil
	case CodecPCMU.PayloadType:
		return CodecPCMU, nil
	}
	return Codec{}, fmt.Errorf("payload type %d: %w", payloadType, ErrCodecUnsupported)
}
