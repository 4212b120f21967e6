package voiceclient

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"lobby/internal/ws"
)

// Session drives one end-to-end voice session against the hub: connect,
// identify, join voice, negotiate, and reconnect with voice state preserved
// across drops. It is the Go-native analogue of the browser's combined
// Client Negotiator + Reconnect/Lifecycle Controller (spec §4.6-4.7).
type Session struct {
	url   string
	token string
	api   *webrtc.API

	conn       *Conn
	negotiator *Negotiator
	lifecycle  *ReconnectController

	muted, deafened bool

	// silentRejoin is set for the one VOICE_JOIN issued by a preserved
	// reconnect (spec §9: no join sound for those) and cleared when
	// ShouldPlayJoinChime consumes it.
	silentRejoin bool
}

func NewSession(url, token string, api *webrtc.API) *Session {
	return &Session{
		url:       url,
		token:     token,
		api:       api,
		lifecycle: NewReconnectController(),
	}
}

// Connect performs HELLO/IDENTIFY/READY and, if the lifecycle controller
// holds a preserved voice snapshot from a prior drop, rejoins voice silently.
func (s *Session) Connect() (*ws.ReadyPayload, error) {
	conn, err := Dial(s.url, s.token)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	ready, err := conn.Identify("online")
	if err != nil {
		conn.Close()
		return nil, err
	}

	if muted, deafened, ok := s.lifecycle.RejoinVoice(); ok {
		s.silentRejoin = true
		if err := s.JoinVoice(muted, deafened); err != nil {
			log.Printf("[voiceclient] silent rejoin failed: %v", err)
		}
	}
	s.lifecycle.OnReconnected()

	return ready, nil
}

// JoinVoice sends VOICE_JOIN. The caller is responsible for waiting on
// RTC_READY/RTC_OFFER via Run to complete the handshake.
func (s *Session) JoinVoice(muted, deafened bool) error {
	s.muted, s.deafened = muted, deafened
	return s.conn.SendCommand(ws.CmdVoiceJoin, ws.VoiceJoinPayload{Muted: muted, Deafened: deafened})
}

// ShouldPlayJoinChime reports whether the UI should play the join sound for
// the voice session currently being established, and consumes the silent-
// rejoin flag so a later, genuinely user-initiated join still chimes.
func (s *Session) ShouldPlayJoinChime() bool {
	if s.silentRejoin {
		s.silentRejoin = false
		return false
	}
	return true
}

// LeaveVoice sends VOICE_LEAVE and tears down the local negotiator.
func (s *Session) LeaveVoice() error {
	if s.negotiator != nil {
		s.negotiator.Close()
		s.negotiator = nil
	}
	return s.conn.SendCommand(ws.CmdVoiceLeave, struct{}{})
}

// Run processes incoming server dispatches until the connection drops,
// driving the negotiator in response to RTC_READY/RTC_OFFER/RTC_ICE_CANDIDATE.
// On error it records the disconnect (preserving voice state if applicable)
// for the next Connect to silently rejoin.
func (s *Session) Run() error {
	for {
		msg, err := s.conn.Read()
		if err != nil {
			wasInVoice := s.negotiator != nil
			s.lifecycle.OnDisconnect(wasInVoice, s.muted, s.deafened)
			return fmt.Errorf("read loop: %w", err)
		}

		if msg.Op != ws.OpDispatch {
			continue
		}

		switch msg.Type {
		case ws.EventRtcReady:
			var payload ws.RtcReadyPayload
			if err := DecodePayload(msg, &payload); err != nil {
				log.Printf("[voiceclient] bad RTC_READY payload: %v", err)
				continue
			}
			if err := s.setupNegotiator(payload); err != nil {
				log.Printf("[voiceclient] negotiator setup failed: %v", err)
				continue
			}
			if s.ShouldPlayJoinChime() {
				log.Printf("[voiceclient] playing join chime")
			}

		case ws.EventRtcOffer:
			var payload ws.RtcOfferPayload
			if err := DecodePayload(msg, &payload); err != nil {
				continue
			}
			s.handleOffer(payload)

		case ws.EventRtcIceCandidate:
			var payload ws.RtcIceCandidatePayload
			if err := DecodePayload(msg, &payload); err != nil {
				continue
			}
			s.handleRemoteCandidate(payload)
		}
	}
}

func (s *Session) setupNegotiator(ready ws.RtcReadyPayload) error {
	config := webrtc.Configuration{}
	for _, srv := range ready.ICEServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}

	negotiator, err := NewNegotiator(s.api, config, NegotiatorOptions{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			s.conn.SendCommand(ws.CmdRtcIceCandidate, ws.RtcIceCandidatePayload{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			})
		},
		OnOfferSent: func(offer webrtc.SessionDescription) {
			s.conn.SendCommand(ws.CmdRtcOffer, ws.RtcOfferPayload{SDP: offer.SDP})
		},
		OnRestartExhausted: func() {
			log.Printf("[voiceclient] ICE restart attempts exhausted, leaving voice")
			s.LeaveVoice()
		},
	})
	if err != nil {
		return err
	}

	s.negotiator = negotiator
	return nil
}

func (s *Session) handleOffer(payload ws.RtcOfferPayload) {
	if s.negotiator == nil {
		log.Printf("[voiceclient] offer received before negotiator ready, dropping")
		return
	}

	answer, err := s.negotiator.HandleOffer(payload.SDP)
	if err != nil {
		log.Printf("[voiceclient] handling offer: %v", err)
		return
	}

	if err := s.conn.SendCommand(ws.CmdRtcAnswer, ws.RtcAnswerPayload{SDP: answer.SDP}); err != nil {
		log.Printf("[voiceclient] sending answer: %v", err)
	}
}

func (s *Session) handleRemoteCandidate(payload ws.RtcIceCandidatePayload) {
	if s.negotiator == nil {
		return
	}
	if err := s.negotiator.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}); err != nil {
		log.Printf("[voiceclient] adding remote ICE candidate: %v", err)
	}
}

// SetVoiceState sends mute/deafen updates, applying the spec §4.6 rule that
// unmuting while deafened also undeafens.
func (s *Session) SetVoiceState(muted, deafened *bool) error {
	if muted != nil && !*muted && s.deafened {
		s.deafened = false
		deafened = &s.deafened
	}
	if muted != nil {
		s.muted = *muted
	}
	if deafened != nil {
		s.deafened = *deafened
	}
	return s.conn.SendCommand(ws.CmdVoiceStateSet, ws.VoiceStateSetPayload{Muted: muted, Deafened: deafened})
}

func (s *Session) Close() error {
	if s.negotiator != nil {
		s.negotiator.Close()
	}
	return s.conn.Close()
}
