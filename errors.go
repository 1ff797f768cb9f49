// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import "errors"

var (
	// ErrUnknownDialog is returned when an in-dialog request or a control
	// command names a Call-ID the supervisor is not tracking.
	ErrUnknownDialog = errors.New("unknown dialog")

	// ErrInviteTimeout is returned when an outbound INVITE gets no final
	// response within the invite timeout.
	ErrInviteTimeout = errors.New("invite timeout")
)
