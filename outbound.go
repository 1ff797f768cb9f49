// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dhtsol/voicerelay/control"
	"github.com/dhtsol/voicerelay/media"
)

// Dial places an outbound call through the configured upstream server and
// blocks until the call is established or definitively failed. Call
// progress is reported on the control channel.
func (s *Supervisor) Dial(ctx context.Context, number string) error {
	if s.cfg.ServerHost == "" {
		s.emit(control.TagCallFailed, "503 Service Unavailable")
		return fmt.Errorf("no upstream sip server configured")
	}

	callID := uuid.NewString()
	log := s.log.With().Str("call_id", callID).Str("number", number).Logger()

	pair, err := s.ports.Allocate()
	if err != nil {
		s.emit(control.TagCallFailed, "503 Service Unavailable")
		return fmt.Errorf("allocating rtp ports: %w", err)
	}

	offer, err := media.OfferSDP(s.cfg.ExternalIP, pair.Recv)
	if err != nil {
		s.ports.Release(pair)
		s.emit(control.TagCallFailed, "500 Server Internal Error")
		return fmt.Errorf("building offer sdp: %w", err)
	}

	recipient := sip.Uri{
		Scheme: "sip",
		User:   number,
		Host:   s.cfg.ServerHost,
		Port:   s.cfg.ServerPort,
	}
	localURI := sip.Uri{
		Scheme: "sip",
		User:   s.cfg.Username,
		Host:   s.cfg.ExternalIP,
		Port:   s.cfg.SIPPort,
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport("UDP")
	req.SetDestination(s.cfg.ServerAddr())

	from := &sip.FromHeader{Address: localURI}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient})
	req.AppendHeader(&sip.ContactHeader{Address: localURI})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE}
	req.AppendHeader(&cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetBody(offer)
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	contentLength := sip.ContentLengthHeader(len(offer))
	req.AppendHeader(&contentLength)

	tag, _ := from.Params.Get("tag")
	d := &Dialog{
		CallID:    callID,
		Direction: DirectionOutbound,
		State:     StateCalling,
		Peer:      number,
		LocalTag:  tag,
		CSeq:      1,
		Ports:     pair,
		CreatedAt: time.Now(),
		inviteReq: req,
	}
	s.mu.Lock()
	s.dialogs[callID] = d
	s.mu.Unlock()

	log.Info().Msg("Sending INVITE")
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		s.failOutbound(d, 500, "Server Internal Error")
		return fmt.Errorf("sending invite: %w", err)
	}
	defer tx.Terminate()

	timer := time.NewTimer(s.cfg.InviteTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.failOutbound(d, 487, "Request Terminated")
			return ctx.Err()

		case <-timer.C:
			s.failOutbound(d, 408, "Request Timeout")
			return fmt.Errorf("%w after %s", ErrInviteTimeout, s.cfg.InviteTimeout)

		case <-tx.Done():
			s.mu.Lock()
			established := d.Established()
			s.mu.Unlock()
			if established {
				return nil
			}
			if err := tx.Err(); err != nil {
				s.failOutbound(d, 500, "Server Internal Error")
				return fmt.Errorf("invite transaction: %w", err)
			}
			s.failOutbound(d, 487, "Request Terminated")
			return nil

		case res, ok := <-tx.Responses():
			if !ok {
				s.failOutbound(d, 487, "Request Terminated")
				return nil
			}
			switch {
			case res.StatusCode < 200:
				s.handleProvisional(d, res)

			case res.StatusCode < 300:
				if err := s.establishOutbound(d, req, res); err != nil {
					s.failOutbound(d, 500, "Server Internal Error")
					return err
				}
				log.Info().Msg("Outbound call established")
				return nil

			default:
				log.Info().Int("code", res.StatusCode).Str("reason", res.Reason).Msg("Outbound call rejected")
				s.failOutbound(d, res.StatusCode, res.Reason)
				return nil
			}
		}
	}
}

func (s *Supervisor) handleProvisional(d *Dialog, res *sip.Response) {
	switch res.StatusCode {
	case 180:
		s.mu.Lock()
		d.State = StateRinging
		s.mu.Unlock()
		s.emit(control.TagCallIgnore, d.CallID)

	case 183:
		s.mu.Lock()
		d.State = StateEarly
		s.mu.Unlock()
	}
}

// establishOutbound confirms a 2xx answered outbound dialog: negotiate media
// from the answer SDP, send the ACK and arm the bridge. Retransmitted 200s
// are not re-ACKed.
func (s *Supervisor) establishOutbound(d *Dialog, req *sip.Request, res *sip.Response) error {
	s.mu.Lock()
	if d.ackSent {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	remote, err := media.ParseRemoteSDP(res.Body())
	if err != nil {
		return fmt.Errorf("parsing answer sdp: %w", err)
	}

	sess, err := media.NewSession(s.cfg.SIPHost, d.Ports, remote.Codec)
	if err != nil {
		return fmt.Errorf("binding rtp session: %w", err)
	}
	sess.SetRemote(remote.Addr)
	sess.OnFrame(func(pt uint8, payload []byte) {
		s.ctrl.Send(control.NewRTPFrame(pt, payload))
	})
	sess.Start()

	ack := newAckRequest(req, res, nil)
	if err := s.client.WriteRequest(ack); err != nil {
		sess.Stop()
		return fmt.Errorf("sending ack: %w", err)
	}

	s.mu.Lock()
	d.ackSent = true
	d.Media = sess
	d.Codec = remote.Codec
	d.State = StateEstablished
	d.AnsweredAt = time.Now()
	d.inviteRes = res
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.RemoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = contact.Address.Clone()
	}
	s.mu.Unlock()

	s.armBridge(d)
	s.emit(control.TagCallAns, d.CallID)
	return nil
}

// failOutbound tears down a never-established outbound dialog and reports
// the failure on the control channel.
func (s *Supervisor) failOutbound(d *Dialog, code int, reason string) {
	s.finishDialog(d, false)
	s.emit(control.TagCallFailed, fmt.Sprintf("%d %s", code, reason))
}

// HangupLast ends the most recently established call with a BYE.
func (s *Supervisor) HangupLast(ctx context.Context) error {
	d := s.lastEstablished()
	if d == nil {
		return ErrUnknownDialog
	}
	if err := s.sendBye(ctx, d); err != nil {
		s.log.Warn().Err(err).Str("call_id", d.CallID).Msg("BYE failed, tearing down anyway")
	}
	s.finishDialog(d, true)
	return nil
}

// sendBye builds an in-dialog BYE for either leg direction. Our identity
// sits in From, the remote party with its tag in To.
func (s *Supervisor) sendBye(ctx context.Context, d *Dialog) error {
	var recipient sip.Uri
	switch {
	case d.remoteTarget != nil:
		recipient = *d.remoteTarget.Clone()
	case d.Direction == DirectionOutbound:
		recipient = *d.inviteReq.Recipient.Clone()
	default:
		from := d.inviteReq.From()
		if from == nil {
			return fmt.Errorf("no remote target for bye: %w", ErrUnknownDialog)
		}
		recipient = *from.Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport("UDP")
	if d.Direction == DirectionInbound {
		bye.SetDestination(d.inviteReq.Source())
	} else {
		bye.SetDestination(s.cfg.ServerAddr())
	}

	if d.Direction == DirectionOutbound {
		if h := d.inviteReq.From(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
		if d.inviteRes != nil {
			if h := d.inviteRes.To(); h != nil {
				bye.AppendHeader(sip.HeaderClone(h))
			}
		}
	} else {
		// We answered as the UAS, so our identity is the INVITE's To and
		// the caller moves into To with its own tag.
		if h := d.inviteReq.To(); h != nil {
			from := &sip.FromHeader{DisplayName: h.DisplayName, Address: *h.Address.Clone()}
			from.Params.Add("tag", d.LocalTag)
			bye.AppendHeader(from)
		}
		if h := d.inviteReq.From(); h != nil {
			to := &sip.ToHeader{DisplayName: h.DisplayName, Address: *h.Address.Clone()}
			if d.RemoteTag != "" {
				to.Params.Add("tag", d.RemoteTag)
			}
			bye.AppendHeader(to)
		}
	}

	if h := d.inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	s.mu.Lock()
	d.CSeq++
	seq := d.CSeq
	s.mu.Unlock()
	cseq := sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE}
	bye.AppendHeader(&cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	tx, err := s.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("bye: no final response")
	case <-tx.Done():
		return tx.Err()
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			s.log.Debug().Int("code", res.StatusCode).Msg("Non-200 BYE response")
		}
		return nil
	}
}
