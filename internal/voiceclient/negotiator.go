package voiceclient

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"lobby/internal/constants"
)

var (
	ErrOfferTimeout         = errors.New("voiceclient: offer answer timeout")
	ErrICERestartExhausted  = errors.New("voiceclient: ice restart attempts exhausted")
	ErrNegotiatorClosed     = errors.New("voiceclient: negotiator closed")
)

// Negotiator is the mirror of the server's sfu.Peer: a single WebRTC
// PeerConnection driven as the polite peer in perfect negotiation (spec
// §4.6 — the server is impolite, so on a collision the client always
// accepts the server's offer and rolls back its own).
type Negotiator struct {
	conn *webrtc.PeerConnection

	mu           sync.Mutex
	makingOffer  bool
	iceAttempts  int
	closed       atomic.Bool
	audioTrack   *webrtc.TrackLocalStaticSample
	onICECand    func(webrtc.ICECandidateInit)
	onOfferSent  func(webrtc.SessionDescription)
	onRestartExhausted func()
}

type NegotiatorOptions struct {
	OnICECandidate     func(webrtc.ICECandidateInit)
	OnOfferSent        func(webrtc.SessionDescription)
	OnRestartExhausted func()
}

func NewNegotiator(api *webrtc.API, config webrtc.Configuration, opts NegotiatorOptions) (*Negotiator, error) {
	conn, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	n := &Negotiator{
		conn:               conn,
		onICECand:          opts.OnICECandidate,
		onOfferSent:        opts.OnOfferSent,
		onRestartExhausted: opts.OnRestartExhausted,
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || n.onICECand == nil {
			return
		}
		n.onICECand(c.ToJSON())
	})

	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed:
			n.restartICE(0)
		case webrtc.ICEConnectionStateDisconnected:
			time.AfterFunc(constants.ICERestartDelay, func() { n.restartICE(0) })
		}
	})

	return n, nil
}

// AddAudioTrack attaches the outbound audio track once the media pipeline
// has produced a readable source (spec §4.6's "needs-audio-ready" gate).
func (n *Negotiator) AddAudioTrack(track *webrtc.TrackLocalStaticSample) error {
	if n.IsClosed() {
		return ErrNegotiatorClosed
	}
	if _, err := n.conn.AddTrack(track); err != nil {
		return fmt.Errorf("adding audio track: %w", err)
	}
	n.mu.Lock()
	n.audioTrack = track
	n.mu.Unlock()
	return nil
}

// HandleOffer applies an offer from the server. Per perfect negotiation,
// the client is always polite: it never ignores an incoming offer, and if its
// own offer is pending (have-local-offer) it rolls that offer back explicitly
// before applying the server's.
func (n *Negotiator) HandleOffer(sdp string) (webrtc.SessionDescription, error) {
	if n.IsClosed() {
		return webrtc.SessionDescription{}, ErrNegotiatorClosed
	}

	n.mu.Lock()
	collision := n.makingOffer || n.conn.SignalingState() != webrtc.SignalingStateStable
	n.mu.Unlock()

	if collision {
		log.Printf("[voiceclient] offer collision, rolling back (polite peer)")
		if n.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if err := n.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("rollback local offer: %w", err)
			}
		}
	}

	if err := n.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := n.conn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}

	n.mu.Lock()
	n.iceAttempts = 0
	n.mu.Unlock()

	return answer, nil
}

// HandleAnswer applies an answer the server sent in response to a client-
// initiated renegotiation offer.
func (n *Negotiator) HandleAnswer(sdp string) error {
	if n.IsClosed() {
		return ErrNegotiatorClosed
	}
	return n.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddICECandidate adds a remote candidate sent over signaling.
func (n *Negotiator) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if n.IsClosed() {
		return ErrNegotiatorClosed
	}
	return n.conn.AddICECandidate(candidate)
}

// restartICE attempts an ICE restart, capped at ICERestartMaxAttempts
// consecutive failures (spec §4.6).
func (n *Negotiator) restartICE(_ int) {
	if n.IsClosed() {
		return
	}

	n.mu.Lock()
	if n.iceAttempts >= constants.ICERestartMaxAttempts {
		n.mu.Unlock()
		if n.onRestartExhausted != nil {
			n.onRestartExhausted()
		}
		return
	}
	n.iceAttempts++
	n.mu.Unlock()

	if n.conn.SignalingState() != webrtc.SignalingStateStable {
		return
	}

	n.mu.Lock()
	n.makingOffer = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		n.mu.Unlock()
	}()

	offer, err := n.conn.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		log.Printf("[voiceclient] ICE restart CreateOffer: %v", err)
		return
	}
	if err := n.conn.SetLocalDescription(offer); err != nil {
		log.Printf("[voiceclient] ICE restart SetLocalDescription: %v", err)
		return
	}
	if n.onOfferSent != nil {
		n.onOfferSent(offer)
	}
}

// WaitForAnswerTimeout runs fn and returns ErrOfferTimeout if it does not
// complete within AnswerTimeout (spec §4.6's 10s handshake bound).
func WaitForAnswerTimeout(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(constants.AnswerTimeout):
		return ErrOfferTimeout
	}
}

func (n *Negotiator) IsClosed() bool {
	return n.closed.Load()
}

func (n *Negotiator) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	return n.conn.Close()
}

func (n *Negotiator) SignalingState() webrtc.SignalingState {
	return n.conn.SignalingState()
}
