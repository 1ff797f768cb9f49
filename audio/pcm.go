// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/base64"
	"encoding/binary"
)

const (
	// SampleRate is the only sample rate carried end to end.
	SampleRate = 8000
	// FrameSamples is one 20ms frame at 8kHz.
	FrameSamples = 160
	// FrameBytesLPCM is one 20ms frame of 16bit linear PCM.
	FrameBytesLPCM = 2 * FrameSamples
)

// FrameLPCM splits 16bit LE linear PCM into 20ms frames of FrameBytesLPCM.
// A short tail is zero padded. Half frames are never returned.
func FrameLPCM(lpcm []byte) [][]byte {
	if len(lpcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(lpcm)+FrameBytesLPCM-1)/FrameBytesLPCM)
	for off := 0; off < len(lpcm); off += FrameBytesLPCM {
		end := off + FrameBytesLPCM
		if end <= len(lpcm) {
			frames = append(frames, lpcm[off:end])
			continue
		}
		frame := make([]byte, FrameBytesLPCM)
		copy(frame, lpcm[off:])
		frames = append(frames, frame)
	}
	return frames
}

// SamplesToLPCM converts samples to 16bit LE linear PCM bytes.
func SamplesToLPCM(samples []int16) []byte {
	lpcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(s))
	}
	return lpcm
}

// LPCMToSamples converts 16bit LE linear PCM bytes to samples. A trailing odd
// byte is dropped.
func LPCMToSamples(lpcm []byte) []int16 {
	samples := make([]int16, len(lpcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(lpcm[2*i:]))
	}
	return samples
}

// EncodeBase64 encodes raw PCM with the standard alphabet, no line wrapping.
func EncodeBase64(lpcm []byte) string {
	return base64.StdEncoding.EncodeToString(lpcm)
}

// DecodeBase64 decodes base64 produced by EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
