// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// ReadWavLPCM loads a WAV file and returns its payload as 16bit LE linear
// PCM. The file must already be 8kHz mono 16bit, there is no resampling.
// Used for greeting prompts played into a call after answer.
func ReadWavLPCM(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: reading pcm: %w", path, err)
	}

	if dec.SampleRate != SampleRate {
		return nil, fmt.Errorf("%s: sample rate %d, want %d", path, dec.SampleRate, SampleRate)
	}
	if dec.NumChans != 1 {
		return nil, fmt.Errorf("%s: %d channels, want mono", path, dec.NumChans)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("%s: bit depth %d, want 16", path, dec.BitDepth)
	}

	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = int16(s)
	}
	return SamplesToLPCM(samples), nil
}
