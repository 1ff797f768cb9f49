// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package control

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrControlProtocol = errors.New("control protocol violation")

// Tag discriminates control frames. Wire form is TAG or TAG:content.
type Tag string

const (
	TagCall       Tag = "CALL"
	TagRTP        Tag = "RTP"
	TagCallAns    Tag = "CALL_ANS"
	TagCallIgnore Tag = "CALL_IGNORE"
	TagHangup     Tag = "HANGUP"
	TagBye        Tag = "BYE"
	TagRingAns    Tag = "RING_ANS"
	TagRingIgnore Tag = "RING_IGNORE"
	TagCallFailed Tag = "CALL_FAILED"
)

// phoneExp accepts E.164 style numbers, 7 to 15 digits with optional leading
// plus.
var phoneExp = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

type Command struct {
	Tag     Tag
	Content string
}

func (c Command) String() string {
	if c.Content == "" {
		return string(c.Tag)
	}
	return string(c.Tag) + ":" + c.Content
}

// Parse validates one inbound text frame. Frames failing the grammar return
// ErrControlProtocol and must be dropped without closing the connection.
func Parse(frame string) (Command, error) {
	tag, content, _ := strings.Cut(frame, ":")

	switch Tag(tag) {
	case TagCall:
		if !phoneExp.MatchString(content) {
			return Command{}, fmt.Errorf("%w: CALL number %q", ErrControlProtocol, content)
		}
	case TagRTP:
		if _, _, err := parseRTPContent(content); err != nil {
			return Command{}, err
		}
	case TagCallAns, TagCallIgnore, TagHangup, TagBye, TagRingAns, TagRingIgnore, TagCallFailed:
	default:
		return Command{}, fmt.Errorf("%w: unknown tag %q", ErrControlProtocol, tag)
	}

	return Command{Tag: Tag(tag), Content: content}, nil
}

// NewRTPFrame wraps one audio payload as RTP:<pt>##<hex>.
func NewRTPFrame(payloadType uint8, payload []byte) Command {
	return Command{
		Tag:     TagRTP,
		Content: fmt.Sprintf("%d##%s", payloadType, hex.EncodeToString(payload)),
	}
}

// RTPFrame unwraps an RTP command back into payload type and payload.
func (c Command) RTPFrame() (uint8, []byte, error) {
	if c.Tag != TagRTP {
		return 0, nil, fmt.Errorf("%w: not an RTP frame", ErrControlProtocol)
	}
	return parseRTPContent(c.Content)
}

func parseRTPContent(content string) (uint8, []byte, error) {
	ptStr, hexStr, found := strings.Cut(content, "##")
	if !found {
		return 0, nil, fmt.Errorf("%w: RTP frame missing separator", ErrControlProtocol)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil || pt < 0 || pt > 127 {
		return 0, nil, fmt.Errorf("%w: RTP payload type %q", ErrControlProtocol, ptStr)
	}
	payload, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: RTP payload hex: %s", ErrControlProtocol, err.Error())
	}
	return uint8(pt), payload, nil
}
