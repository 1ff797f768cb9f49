// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package bridge

// Detector reports whether one 20ms frame of 8kHz samples contains speech.
// Implementations must be cheap, the bridge calls them on every inbound
// packet.
type Detector interface {
	Detect(frame []int16) bool
}

// DefaultEnergyThreshold suits G.711 telephony levels, where line noise
// stays well below it.
const DefaultEnergyThreshold = 500

// EnergyDetector flags a frame as speech when its mean absolute amplitude
// exceeds Threshold. It is the fallback when no external VAD is plugged in.
type EnergyDetector struct {
	Threshold int64
}

func NewEnergyDetector() EnergyDetector {
	return EnergyDetector{Threshold: DefaultEnergyThreshold}
}

func (d EnergyDetector) Detect(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}
	var sum int64
	for _, s := range frame {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum/int64(len(frame)) > d.Threshold
}
