// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDialogStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "CALLING", StateCalling.String())
	assert.Equal(t, "RINGING", StateRinging.String())
	assert.Equal(t, "EARLY", StateEarly.String())
	assert.Equal(t, "ANSWERED", StateAnswered.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "TERMINATING", StateTerminating.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
}

func TestDialogRecordingName(t *testing.T) {
	d := &Dialog{CallID: "a1b2c3d4e5f6"}
	ts := time.Date(2024, 7, 15, 9, 30, 5, 0, time.UTC)

	assert.Equal(t, "20240715_093005_a1b2c3d4.wav", d.RecordingName(ts))
}

func TestDialogRecordingNameShortCallID(t *testing.T) {
	d := &Dialog{CallID: "ab12"}
	ts := time.Date(2024, 7, 15, 9, 30, 5, 0, time.UTC)

	assert.Equal(t, "20240715_093005_ab12.wav", d.RecordingName(ts))
}

func TestDialogEstablished(t *testing.T) {
	d := &Dialog{State: StateAnswered}
	assert.False(t, d.Established())

	d.State = StateEstablished
	assert.True(t, d.Established())

	d.State = StateTerminated
	assert.False(t, d.Established())
}
