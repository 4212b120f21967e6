package sfu

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"lobby/internal/constants"
)

// PeerState represents the lifecycle state of a peer connection
type PeerState int32

const (
	// PeerStateConnecting indicates the peer is setting up
	PeerStateConnecting PeerState = iota
	// PeerStateActive indicates the peer is ready for operations
	PeerStateActive
	// PeerStateClosing indicates shutdown has been initiated
	PeerStateClosing
	// PeerStateClosed indicates terminal state
	PeerStateClosed
)

const (
	// peerCloseTimeout is how long to wait for goroutines to stop during Close()
	peerCloseTimeout = 3 * time.Second
)

// outputTrackKey identifies one track this peer is receiving from another peer,
// keyed by the source user ID and media kind (a source can send both audio
// and video, e.g. during screen share with a camera feed).
type outputTrackKey struct {
	sourceUserID string
	kind         string
}

// Peer represents a single user's WebRTC connection to the SFU
type Peer struct {
	ID       string // User ID
	conn     *webrtc.PeerConnection
	sfu      *SFU
	mu       sync.RWMutex
	state    atomic.Int32 // Lifecycle state (PeerState)
	speaking bool
	ctx      context.Context    // Context for goroutine cancellation
	cancel   context.CancelFunc // Cancel function to signal shutdown
	wg       sync.WaitGroup     // WaitGroup to track running goroutines

	// Local tracks published by this peer, keyed by kind ("audio", "video")
	localTracks map[string]*webrtc.TrackLocalStaticRTP

	// Remote tracks received from this peer, keyed by kind. Kept around so
	// RequestKeyframe can target the right SSRC.
	remoteTracks map[string]*webrtc.TrackRemote

	// Tracks sent to this peer (other users' audio/video)
	outputTracks map[outputTrackKey]*webrtc.RTPSender
}

func NewPeer(id string, sfu *SFU) (*Peer, error) {
	config := sfu.config.ToWebRTCConfig()
	conn, err := sfu.api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	peer := &Peer{
		ID:           id,
		conn:         conn,
		sfu:          sfu,
		ctx:          ctx,
		cancel:       cancel,
		localTracks:  make(map[string]*webrtc.TrackLocalStaticRTP),
		remoteTracks: make(map[string]*webrtc.TrackRemote),
		outputTracks: make(map[outputTrackKey]*webrtc.RTPSender),
	}
	// Initialize state to Connecting
	peer.state.Store(int32(PeerStateConnecting))

	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		sfu.OnIceCandidate(id, candidate)
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[SFU] Peer %s connection state: %s", id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			peer.Close()
		case webrtc.PeerConnectionStateConnected:
			if peer.transitionTo(PeerStateActive) {
				log.Printf("[SFU] Peer %s fully connected and active", id)
			}
		}
	})

	conn.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := remoteTrack.Kind().String()
		log.Printf("[SFU] Peer %s sent track: %s (kind: %s)", id, remoteTrack.ID(), kind)

		localTrack, err := webrtc.NewTrackLocalStaticRTP(
			remoteTrack.Codec().RTPCodecCapability,
			kind,
			id,
		)
		if err != nil {
			log.Printf("[SFU] Failed to create local track for %s: %v", id, err)
			return
		}

		peer.mu.Lock()
		peer.localTracks[kind] = localTrack
		peer.remoteTracks[kind] = remoteTrack
		peer.mu.Unlock()

		sfu.OnPeerTrackReady(id, kind, localTrack)
		peer.wg.Add(1)
		go peer.forwardTrack(remoteTrack, localTrack)
	})

	return peer, nil
}

// forwardTrack reads RTP packets from remote and writes to local track
func (p *Peer) forwardTrack(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	defer p.wg.Done()

	buf := make([]byte, constants.RTPPacketBufferBytes)
	for {
		// Check context cancellation before blocking read
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, _, err := remote.Read(buf)
		if err != nil {
			// Check if we're shutting down - context cancelled or EOF
			if p.ctx.Err() != nil || err == io.EOF {
				return
			}
			log.Printf("[SFU] Error reading from remote track %s: %v", p.ID, err)
			return
		}

		if _, err := local.Write(buf[:n]); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("[SFU] Error writing to local track %s: %v", p.ID, err)
			return
		}
	}
}

// SetRemoteDescription sets the remote SDP (offer from client)
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if p.IsClosed() {
		return ErrPeerNotActive
	}
	return p.conn.SetRemoteDescription(sdp)
}

// CreateAnswer creates an SDP answer after receiving an offer
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.IsClosed() {
		return webrtc.SessionDescription{}, ErrPeerNotActive
	}
	return p.conn.CreateAnswer(nil)
}

// SetLocalDescription sets the local SDP (answer to send to client)
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	if p.IsClosed() {
		return ErrPeerNotActive
	}
	return p.conn.SetLocalDescription(sdp)
}

// CreateOffer creates an SDP offer for renegotiation
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.IsClosed() {
		return webrtc.SessionDescription{}, ErrPeerNotActive
	}
	return p.conn.CreateOffer(nil)
}

// CreateInitialOffer creates the very first SDP offer sent to a newly
// connected peer, before any tracks have been exchanged.
func (p *Peer) CreateInitialOffer() (webrtc.SessionDescription, error) {
	if p.IsClosed() {
		return webrtc.SessionDescription{}, ErrPeerNotActive
	}
	return p.conn.CreateOffer(nil)
}

// SignalingState returns the peer connection's current SDP signaling state,
// used by perfect negotiation to detect offer collisions.
func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.conn.SignalingState()
}

// Rollback discards a locally pending offer so the peer can accept an
// incoming offer instead, used when the server (impolite peer) must yield.
func (p *Peer) Rollback() error {
	if p.IsClosed() {
		return ErrPeerNotActive
	}
	return p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// AddICECandidate adds a remote ICE candidate
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.IsClosed() {
		return ErrPeerNotActive
	}
	return p.conn.AddICECandidate(candidate)
}

// AddTrack attaches a track sourced from another peer, identified by the
// source's user ID and media kind (a source may publish audio and video
// independently).
func (p *Peer) AddTrack(sourceUserID, kind string, track *webrtc.TrackLocalStaticRTP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsClosed() {
		return nil // Silently ignore for closing peers
	}

	key := outputTrackKey{sourceUserID: sourceUserID, kind: kind}
	if _, exists := p.outputTracks[key]; exists {
		return nil
	}

	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return err
	}

	p.outputTracks[key] = sender

	// Read RTCP packets (required for WebRTC to function properly)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		rtcpBuf := make([]byte, constants.RTPPacketBufferBytes)
		for {
			select {
			case <-p.ctx.Done():
				return
			default:
			}

			if _, _, err := sender.Read(rtcpBuf); err != nil {
				// Exit on any error - context cancelled or connection closed
				return
			}
		}
	}()

	log.Printf("[SFU] Added %s track from %s to peer %s", kind, sourceUserID, p.ID)
	return nil
}

// RemoveTrack removes a single-kind track sourced from another peer
func (p *Peer) RemoveTrack(sourceUserID, kind string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsClosed() {
		return nil
	}

	key := outputTrackKey{sourceUserID: sourceUserID, kind: kind}
	sender, exists := p.outputTracks[key]
	if !exists {
		return nil
	}

	if err := p.conn.RemoveTrack(sender); err != nil {
		return err
	}

	delete(p.outputTracks, key)
	log.Printf("[SFU] Removed %s track from %s from peer %s", kind, sourceUserID, p.ID)
	return nil
}

// RemoveAllTracksFrom removes every track (any kind) sourced from a given
// peer, used when that source peer disconnects.
func (p *Peer) RemoveAllTracksFrom(sourceUserID string) error {
	p.mu.Lock()
	var toRemove []outputTrackKey
	for key := range p.outputTracks {
		if key.sourceUserID == sourceUserID {
			toRemove = append(toRemove, key)
		}
	}
	p.mu.Unlock()

	for _, key := range toRemove {
		if err := p.RemoveTrack(key.sourceUserID, key.kind); err != nil {
			return err
		}
	}
	return nil
}

// GetLocalTrack returns this peer's own published track of the given kind
func (p *Peer) GetLocalTrack(kind string) *webrtc.TrackLocalStaticRTP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localTracks[kind]
}

// RequestKeyframe sends a PLI RTCP packet to this peer, asking its encoder
// to produce a fresh keyframe for its video track (used when a new viewer
// subscribes to a screen share mid-stream).
func (p *Peer) RequestKeyframe() error {
	p.mu.RLock()
	remote := p.remoteTracks["video"]
	p.mu.RUnlock()

	if remote == nil {
		return ErrPeerNotActive
	}
	if p.IsClosed() {
		return ErrPeerNotActive
	}

	return p.conn.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
	})
}

// NeedsRenegotiation reports whether the peer's signaling state is stable,
// i.e. whether a new renegotiation can start now.
func (p *Peer) NeedsRenegotiation() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn.SignalingState() == webrtc.SignalingStateStable
}

func (p *Peer) Close() error {
	if !p.transitionTo(PeerStateClosing) {
		return nil // Already closing/closed
	}

	log.Printf("[SFU] Closing peer %s", p.ID)

	// Cancel context to signal goroutines to stop
	p.cancel()

	// Close the peer connection - this will unblock any blocking reads
	err := p.conn.Close()

	// Wait for goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-time.After(peerCloseTimeout):
		log.Printf("[SFU] Warning: peer %s goroutines did not finish within timeout", p.ID)
	}

	p.transitionTo(PeerStateClosed)
	p.sfu.OnPeerClosed(p.ID)
	return err
}

// State returns the current peer state
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// IsActive returns whether the peer is in the active state
func (p *Peer) IsActive() bool {
	return p.State() == PeerStateActive
}

// IsClosed returns whether the peer is closing or closed (backward compatible)
func (p *Peer) IsClosed() bool {
	state := p.State()
	return state == PeerStateClosing || state == PeerStateClosed
}

// isValidTransition checks if a state transition is allowed
func isValidTransition(from, to PeerState) bool {
	switch from {
	case PeerStateConnecting:
		// Connecting can go to Active or Closing
		return to == PeerStateActive || to == PeerStateClosing
	case PeerStateActive:
		// Active can only go to Closing
		return to == PeerStateClosing
	case PeerStateClosing:
		// Closing can only go to Closed
		return to == PeerStateClosed
	case PeerStateClosed:
		// Terminal state - no transitions allowed
		return false
	}
	return false
}

// transitionTo atomically transitions to a new state if the transition is valid
func (p *Peer) transitionTo(newState PeerState) bool {
	for {
		current := PeerState(p.state.Load())
		if !isValidTransition(current, newState) {
			return false
		}
		if p.state.CompareAndSwap(int32(current), int32(newState)) {
			return true
		}
	}
}

// SetSpeaking updates the speaking state
func (p *Peer) SetSpeaking(speaking bool) {
	p.mu.Lock()
	p.speaking = speaking
	p.mu.Unlock()
}

// IsSpeaking returns the speaking state
func (p *Peer) IsSpeaking() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.speaking
}
