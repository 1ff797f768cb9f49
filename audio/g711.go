// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"io"

	"github.com/zaf/g711"
)

// G.711 silence bytes. Companded zero differs per law.
const (
	SilenceAlaw byte = 0xD5
	SilenceUlaw byte = 0xFF
)

// EncodeAlawTo encodes 16bit LE linear PCM into A-law. alaw must be at least
// half the size of lpcm. Trailing odd byte of lpcm is ignored.
func EncodeAlawTo(alaw []byte, lpcm []byte) (n int, err error) {
	if len(lpcm) > len(alaw)*2 {
		return 0, io.ErrShortBuffer
	}

	for i, j := 0, 0; j <= len(lpcm)-2; i, j = i+1, j+2 {
		alaw[i] = g711.EncodeAlawFrame(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

// DecodeAlawTo decodes A-law into 16bit LE linear PCM. lpcm must be at least
// twice the size of alaw.
func DecodeAlawTo(lpcm []byte, alaw []byte) (n int, err error) {
	if alaw == nil {
		return 0, nil
	}

	if len(lpcm) < len(alaw)*2 {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(alaw); i, j = i+1, j+2 {
		frame := g711.DecodeAlawFrame(alaw[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}

// EncodeUlawTo encodes 16bit LE linear PCM into u-law.
func EncodeUlawTo(ulaw []byte, lpcm []byte) (n int, err error) {
	if len(lpcm) > len(ulaw)*2 {
		return 0, io.ErrShortBuffer
	}

	for i, j := 0, 0; j <= len(lpcm)-2; i, j = i+1, j+2 {
		ulaw[i] = g711.EncodeUlawFrame(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

// DecodeUlawTo decodes u-law into 16bit LE linear PCM.
func DecodeUlawTo(lpcm []byte, ulaw []byte) (n int, err error) {
	if ulaw == nil {
		return 0, nil
	}

	if len(lpcm) < 2*len(ulaw) {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(ulaw); i, j = i+1, j+2 {
		frame := g711.DecodeUlawFrame(ulaw[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}

// EncodeAlaw is the allocating variant of EncodeAlawTo.
func EncodeAlaw(lpcm []byte) []byte {
	alaw := make([]byte, len(lpcm)/2)
	EncodeAlawTo(alaw, lpcm)
	return alaw
}

// DecodeAlaw is the allocating variant of DecodeAlawTo.
func DecodeAlaw(alaw []byte) []byte {
	lpcm := make([]byte, len(alaw)*2)
	DecodeAlawTo(lpcm, alaw)
	return lpcm
}

// EncodeUlaw is the allocating variant of EncodeUlawTo.
func EncodeUlaw(lpcm []byte) []byte {
	ulaw := make([]byte, len(lpcm)/2)
	EncodeUlawTo(ulaw, lpcm)
	return ulaw
}

// DecodeUlaw is the allocating variant of DecodeUlawTo.
func DecodeUlaw(ulaw []byte) []byte {
	lpcm := make([]byte, len(ulaw)*2)
	DecodeUlawTo(lpcm, ulaw)
	return lpcm
}
