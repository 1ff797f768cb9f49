// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLPCM(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, FrameLPCM(nil))
	})

	t.Run("exact", func(t *testing.T) {
		frames := FrameLPCM(make([]byte, 3*FrameBytesLPCM))
		require.Len(t, frames, 3)
		for _, f := range frames {
			assert.Len(t, f, FrameBytesLPCM)
		}
	})

	t.Run("tail padded", func(t *testing.T) {
		lpcm := bytes.Repeat([]byte{0x7f}, FrameBytesLPCM+10)
		frames := FrameLPCM(lpcm)
		require.Len(t, frames, 2)
		assert.Len(t, frames[1], FrameBytesLPCM)
		assert.Equal(t, byte(0x7f), frames[1][9])
		assert.Equal(t, byte(0), frames[1][10])
	})
}

func TestSamplesConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	lpcm := SamplesToLPCM(samples)
	require.Len(t, lpcm, 10)
	assert.Equal(t, samples, LPCMToSamples(lpcm))
}

func TestBase64RoundTrip(t *testing.T) {
	lpcm := []byte{0x00, 0x01, 0x02, 0xff}
	s := EncodeBase64(lpcm)
	assert.NotContains(t, s, "\n")

	out, err := DecodeBase64(s)
	require.NoError(t, err)
	assert.Equal(t, lpcm, out)
}
