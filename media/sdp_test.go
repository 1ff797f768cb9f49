// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offerBody(formats string) []byte {
	lines := []string{
		"v=0",
		"o=- 123 1 IN IP4 203.0.113.7",
		"s=call",
		"c=IN IP4 203.0.113.7",
		"t=0 0",
		"m=audio 4000 RTP/AVP " + formats,
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=sendrecv",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseRemoteSDPPrefersPCMA(t *testing.T) {
	remote, err := ParseRemoteSDP(offerBody("0 8 96"))
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.7", remote.Addr.IP.String())
	assert.Equal(t, 4000, remote.Addr.Port)
	assert.Equal(t, CodecPCMA, remote.Codec)
	assert.Equal(t, []uint8{0, 8, 96}, remote.PayloadTypes)
}

func TestParseRemoteSDPUlawOnly(t *testing.T) {
	remote, err := ParseRemoteSDP(offerBody("0 101"))
	require.NoError(t, err)
	assert.Equal(t, CodecPCMU, remote.Codec)
}

func TestParseRemoteSDPNoSupportedCodec(t *testing.T) {
	_, err := ParseRemoteSDP(offerBody("96 101"))
	require.ErrorIs(t, err, ErrCodecUnsupported)
}

func TestParseRemoteSDPMediaConnectionWins(t *testing.T) {
	body := []byte(strings.Join([]string{
		"v=0",
		"o=- 123 1 IN IP4 192.0.2.1",
		"s=call",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"m=audio 5000 RTP/AVP 8",
		"c=IN IP4 198.51.100.9",
		"a=rtpmap:8 PCMA/8000",
		"",
	}, "\r\n"))

	remote, err := ParseRemoteSDP(body)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", remote.Addr.IP.String())
}

func TestParseRemoteSDPMalformed(t *testing.T) {
	_, err := ParseRemoteSDP([]byte("not sdp at all"))
	require.ErrorIs(t, err, ErrBadSDP)
}

func TestAnswerSDPRoundTrip(t *testing.T) {
	body, err := AnswerSDP("192.0.2.10", 31002, CodecPCMA)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "m=audio 31002 RTP/AVP 8")
	assert.Contains(t, s, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, s, "a=ptime:20")
	assert.Contains(t, s, "a=sendrecv")
	assert.NotContains(t, s, "a=rtpmap:0")

	remote, err := ParseRemoteSDP(body)
	require.NoError(t, err)
	assert.Equal(t, CodecPCMA, remote.Codec)
	assert.Equal(t, 31002, remote.Addr.Port)
}

func TestOfferSDPAdvertisesBothCodecs(t *testing.T) {
	body, err := OfferSDP("192.0.2.10", 31000)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "m=audio 31000 RTP/AVP 8 0")
	assert.Contains(t, s, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, s, "a=rtpmap:0 PCMU/8000")
}
