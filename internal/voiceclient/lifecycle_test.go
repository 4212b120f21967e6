package voiceclient

import "testing"

func TestReconnectControllerCapturesVoiceOnDisconnect(t *testing.T) {
	c := NewReconnectController()
	c.OnDisconnect(true, true, false)

	if c.Phase() != PhaseReconnecting {
		t.Fatalf("got phase %v, want reconnecting", c.Phase())
	}

	muted, deafened, ok := c.RejoinVoice()
	if !ok || !muted || deafened {
		t.Fatalf("got muted=%v deafened=%v ok=%v, want true false true", muted, deafened, ok)
	}
}

func TestReconnectControllerSkipsRejoinWhenNotInVoice(t *testing.T) {
	c := NewReconnectController()
	c.OnDisconnect(false, false, false)

	if _, _, ok := c.RejoinVoice(); ok {
		t.Fatalf("got ok=true, want false (never in voice)")
	}
}

func TestReconnectControllerRejoinConsumedOnce(t *testing.T) {
	c := NewReconnectController()
	c.OnDisconnect(true, false, true)

	if _, _, ok := c.RejoinVoice(); !ok {
		t.Fatalf("first RejoinVoice: got ok=false, want true")
	}
	if _, _, ok := c.RejoinVoice(); ok {
		t.Fatalf("second RejoinVoice: got ok=true, want false (snapshot consumed)")
	}
}

func TestReconnectControllerPhaseTransitions(t *testing.T) {
	c := NewReconnectController()
	if c.Phase() != PhaseConnected {
		t.Fatalf("got initial phase %v, want connected", c.Phase())
	}

	c.OnDisconnect(false, false, false)
	if c.Phase() != PhaseReconnecting {
		t.Fatalf("got phase %v after disconnect, want reconnecting", c.Phase())
	}

	c.OnOffline()
	if c.Phase() != PhaseOffline {
		t.Fatalf("got phase %v after OnOffline, want offline", c.Phase())
	}

	c.OnReconnected()
	if c.Phase() != PhaseConnected {
		t.Fatalf("got phase %v after OnReconnected, want connected", c.Phase())
	}
}
