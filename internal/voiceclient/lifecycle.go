package voiceclient

import "sync"

// Phase is the UI-facing connection phase the lifecycle controller drives
// (spec §4.7: "show overlay / banner / countdown" states).
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseReconnecting
	PhaseOffline
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// voiceSnapshot is the preserved voice membership captured on disconnect.
type voiceSnapshot struct {
	wasInVoice bool
	muted      bool
	deafened   bool
}

// ReconnectController tracks the connection phase and, across a WebSocket
// drop, remembers whether the user was in voice so it can be silently
// rejoined on the next READY (spec §4.7). It never plays a join sound for a
// preserved rejoin — RejoinVoice returns ok=true for one so its caller can
// skip the chime.
type ReconnectController struct {
	mu       sync.Mutex
	phase    Phase
	snapshot *voiceSnapshot
}

func NewReconnectController() *ReconnectController {
	return &ReconnectController{phase: PhaseConnected}
}

func (c *ReconnectController) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// OnDisconnect captures voice state (if any) and enters the reconnecting phase.
func (c *ReconnectController) OnDisconnect(wasInVoice, muted, deafened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseReconnecting
	if wasInVoice {
		c.snapshot = &voiceSnapshot{wasInVoice: true, muted: muted, deafened: deafened}
	} else {
		c.snapshot = nil
	}
}

// OnOffline marks the connection as given up (retries exhausted, or the
// caller decided to stop trying).
func (c *ReconnectController) OnOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseOffline
}

// RejoinVoice reports whether the previous session needs silently rejoining
// and, if so, the preserved mute/deafen flags. The result is consumed once:
// the next call returns ok=false until another disconnect captures a snapshot.
func (c *ReconnectController) RejoinVoice() (muted, deafened bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil || !c.snapshot.wasInVoice {
		return false, false, false
	}
	snap := c.snapshot
	c.snapshot = nil
	return snap.muted, snap.deafened, true
}

// OnReconnected marks the connection as healthy again. Call this after a
// fresh READY has been processed (and RejoinVoice, if applicable).
func (c *ReconnectController) OnReconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseConnected
}
