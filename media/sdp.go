// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

var ErrBadSDP = errors.New("bad sdp")

// RemoteMedia is the part of a peer's session description the engine needs:
// where to send RTP and with which codec.
type RemoteMedia struct {
	Addr         *net.UDPAddr
	Codec        Codec
	PayloadTypes []uint8
}

// ParseRemoteSDP reads an offer or answer body. The first m=audio block is
// used, any further media is ignored. A media level connection line takes
// precedence over the session level one.
func ParseRemoteSDP(body []byte) (*RemoteMedia, error) {
	sd := sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSDP, err.Error())
	}

	var audioMedia *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audioMedia = md
			break
		}
	}
	if audioMedia == nil {
		return nil, fmt.Errorf("%w: no audio media", ErrBadSDP)
	}

	conn := audioMedia.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return nil, fmt.Errorf("%w: no connection address", ErrBadSDP)
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		return nil, fmt.Errorf("%w: connection address %q", ErrBadSDP, conn.Address.Address)
	}

	port := audioMedia.MediaName.Port.Value
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: media port %d", ErrBadSDP, port)
	}

	var payloadTypes []uint8
	for _, f := range audioMedia.MediaName.Formats {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 || v > 127 {
			continue
		}
		payloadTypes = append(payloadTypes, uint8(v))
	}

	codec, err := selectCodec(payloadTypes)
	if err != nil {
		return nil, err
	}

	return &RemoteMedia{
		Addr:         &net.UDPAddr{IP: ip, Port: port},
		Codec:        codec,
		PayloadTypes: payloadTypes,
	}, nil
}

// selectCodec picks the negotiated codec out of offered payload types. PCMA
// wins over PCMU when both are offered.
func selectCodec(payloadTypes []uint8) (Codec, error) {
	for _, preferred := range []Codec{CodecPCMA, CodecPCMU} {
		for _, pt := range payloadTypes {
			if pt == preferred.PayloadType {
				return preferred, nil
			}
		}
	}
	return Codec{}, fmt.Errorf("offered %v: %w", payloadTypes, ErrCodecUnsupported)
}

// OfferSDP builds the local offer for an outbound call, advertising PCMA and
// PCMU.
func OfferSDP(localIP string, rtpPort int) ([]byte, error) {
	return marshalSession(localIP, rtpPort, []Codec{CodecPCMA, CodecPCMU})
}

// AnswerSDP builds the answer for an inbound call, confirming only the
// negotiated codec.
func AnswerSDP(localIP string, rtpPort int, codec Codec) ([]byte, error) {
	return marshalSession(localIP, rtpPort, []Codec{codec})
}

func marshalSession(localIP string, rtpPort int, codecs []Codec) ([]byte, error) {
	formats := make([]string, len(codecs))
	attributes := make([]sdp.Attribute, 0, len(codecs)+2)
	for i, c := range codecs {
		formats[i] = strconv.Itoa(int(c.PayloadType))
		attributes = append(attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate),
		})
	}
	attributes = append(attributes,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sd := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "voicerelay",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "voicerelay",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: rtpPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attributes,
		}},
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return body, nil
}
