// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"io"
)

// WavWriter writes a RIFF/WAVE file with a PCM fmt chunk. The header is
// written on first Write with a zero data size and finalized on Close, so the
// destination must be seekable.
type WavWriter struct {
	SampleRate  int
	BitDepth    int
	NumChans    int
	AudioFormat int

	W              io.WriteSeeker
	headersWritten bool
	dataSize       int64
}

// NewWavWriter returns a writer for 8kHz mono 16bit PCM, the format of all
// call recordings.
func NewWavWriter(w io.WriteSeeker) *WavWriter {
	return &WavWriter{
		SampleRate:  SampleRate,
		BitDepth:    16,
		NumChans:    1,
		AudioFormat: 1, // 1 PCM
		W:           w,
	}
}

func (ww *WavWriter) Write(lpcm []byte) (int, error) {
	n, err := ww.writeData(lpcm)
	ww.dataSize += int64(n)
	return n, err
}

func (ww *WavWriter) writeData(lpcm []byte) (int, error) {
	w := ww.W
	if ww.headersWritten {
		return w.Write(lpcm)
	}

	if _, err := ww.writeHeader(); err != nil {
		return 0, err
	}
	ww.headersWritten = true

	return w.Write(lpcm)
}

func (ww *WavWriter) writeHeader() (int, error) {
	const (
		headerSize   = 44
		fmtChunkSize = 16
	)

	fileSize := ww.dataSize + headerSize - 8

	header := make([]byte, headerSize)
	copy(header[0:4], []byte("RIFF"))
	binary.LittleEndian.PutUint32(header[4:8], uint32(fileSize))
	copy(header[8:12], []byte("WAVE"))

	// fmt subchunk
	copy(header[12:16], []byte("fmt "))
	binary.LittleEndian.PutUint32(header[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], uint16(ww.AudioFormat))
	binary.LittleEndian.PutUint16(header[22:24], uint16(ww.NumChans))
	binary.LittleEndian.PutUint32(header[24:28], uint32(ww.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(ww.SampleRate*ww.BitDepth*ww.NumChans/8))
	binary.LittleEndian.PutUint16(header[32:34], uint16(ww.BitDepth*ww.NumChans/8))
	binary.LittleEndian.PutUint16(header[34:36], uint16(ww.BitDepth))

	// data chunk
	copy(header[36:40], []byte("data"))
	binary.LittleEndian.PutUint32(header[40:44], uint32(ww.dataSize))

	return ww.W.Write(header)
}

// Close rewrites the header with the final data size.
func (ww *WavWriter) Close() error {
	if _, err := ww.W.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := ww.writeHeader()
	return err
}
