// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/dhtsol/voicerelay/control"
	"github.com/dhtsol/voicerelay/media"
)

// onInvite answers an inbound call: negotiate a codec, bind an RTP session
// and reply 200 with our answer SDP. The dialog confirms on ACK.
func (s *Supervisor) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if callID == "" {
		s.respondError(req, tx, 400, "Bad Request")
		return
	}

	log := s.log.With().Str("call_id", callID).Logger()

	if s.dialog(callID) != nil {
		log.Warn().Msg("INVITE for a Call-ID already in progress")
		s.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	body := req.Body()
	if len(body) == 0 {
		log.Warn().Msg("INVITE without SDP body")
		s.respondError(req, tx, 400, "Bad Request")
		return
	}

	remote, err := media.ParseRemoteSDP(body)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting INVITE offer")
		s.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	pair, err := s.ports.Allocate()
	if err != nil {
		log.Error().Err(err).Msg("No RTP ports for inbound call")
		s.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	sess, err := media.NewSession(s.cfg.SIPHost, pair, remote.Codec)
	if err != nil {
		s.ports.Release(pair)
		log.Error().Err(err).Msg("Binding RTP session failed")
		s.respondError(req, tx, 500, "Server Internal Error")
		return
	}
	sess.SetRemote(remote.Addr)

	answer, err := media.AnswerSDP(s.cfg.ExternalIP, pair.Recv, remote.Codec)
	if err != nil {
		sess.Stop()
		s.ports.Release(pair)
		log.Error().Err(err).Msg("Building answer SDP failed")
		s.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	d := &Dialog{
		CallID:    callID,
		Direction: DirectionInbound,
		State:     StateAnswered,
		LocalTag:  sip.GenerateTagN(16),
		CSeq:      cseqNumber(req),
		Media:     sess,
		Ports:     pair,
		Codec:     remote.Codec,
		CreatedAt: time.Now(),
		inviteReq: req,
	}
	if from := req.From(); from != nil {
		d.Peer = from.Address.User
		if tag, ok := from.Params.Get("tag"); ok {
			d.RemoteTag = tag
		}
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address.Clone()
	}

	sess.OnFrame(func(pt uint8, payload []byte) {
		s.ctrl.Send(control.NewRTPFrame(pt, payload))
	})
	sess.Start()

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", d.LocalTag)
		}
	}
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   s.cfg.Username,
			Host:   s.cfg.ExternalIP,
			Port:   s.cfg.SIPPort,
		},
	})

	s.mu.Lock()
	s.dialogs[callID] = d
	s.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		log.Error().Err(err).Msg("Responding 200 failed")
		s.finishDialog(d, false)
		return
	}

	log.Info().
		Str("peer", d.Peer).
		Str("codec", remote.Codec.Name).
		Int("rtp_port", pair.Recv).
		Msg("Inbound call answered")
	s.emit(control.TagRingAns, d.Peer)
}

// onAck confirms an answered inbound dialog and arms its bridge.
func (s *Supervisor) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	d := s.dialog(callID)
	if d == nil {
		s.log.Debug().Str("call_id", callID).Msg("ACK for unknown dialog")
		return
	}

	s.mu.Lock()
	if d.State != StateAnswered {
		// Retransmitted ACK, the dialog is already confirmed.
		s.mu.Unlock()
		return
	}
	d.State = StateEstablished
	d.AnsweredAt = time.Now()
	s.mu.Unlock()

	s.log.Info().Str("call_id", callID).Msg("Dialog established")
	s.armBridge(d)
	s.playGreeting(d)
}

// onBye terminates an established dialog and saves its recording.
func (s *Supervisor) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	d := s.dialog(callID)
	if d == nil {
		s.log.Warn().Err(ErrUnknownDialog).Str("call_id", callID).Msg("BYE rejected")
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.finishDialog(d, true)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error().Err(err).Msg("Responding to BYE failed")
	}
	s.emit(control.TagBye, "")
}

// onCancel aborts an inbound call the caller gave up on before ACK.
func (s *Supervisor) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	d := s.dialog(callID)
	if d == nil {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error().Err(err).Msg("Responding to CANCEL failed")
	}

	s.mu.Lock()
	established := d.Established()
	s.mu.Unlock()
	if established {
		// CANCEL races a completed handshake, the call stays up.
		return
	}

	s.finishDialog(d, false)
	s.log.Info().Str("call_id", callID).Msg("Inbound call cancelled")
	s.emit(control.TagRingIgnore, d.Peer)
}

func (s *Supervisor) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error().Err(err).Int("code", code).Msg("Responding failed")
	}
}

// cseqNumber reads the request CSeq, zero when absent.
func cseqNumber(req *sip.Request) uint32 {
	if cseq := req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}
