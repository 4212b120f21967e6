package constants

import "time"

const (
	// WSBroadcastBufferSize bounds the hub's outbound fan-out channel.
	WSBroadcastBufferSize = 256

	// WSClientSendBufferSize bounds each client's per-connection send buffer.
	WSClientSendBufferSize = 64

	// RTPPacketBufferBytes is the read buffer size for RTP/RTCP packet pumps.
	RTPPacketBufferBytes = 1500

	// MessageHistoryMaxLimit bounds the page size of a single history request.
	MessageHistoryMaxLimit = 100

	// IDRandomBytes is the number of random bytes hex-encoded into generated IDs.
	IDRandomBytes = 16

	// ICERestartDelay is how long the client negotiator waits after an ICE
	// connection enters "disconnected" before attempting a restart.
	ICERestartDelay = 2 * time.Second

	// ICERestartMaxAttempts caps consecutive restart attempts before the
	// negotiator gives up and tears the connection down.
	ICERestartMaxAttempts = 3

	// AnswerTimeout bounds how long the negotiator waits for an answer after
	// sending its initial offer.
	AnswerTimeout = 10 * time.Second

	// VADHoldTime is how long loudness must stay at-or-below the VAD
	// threshold before the pipeline flips from speaking to silent.
	VADHoldTime = 280 * time.Millisecond

	// VADThreshold is the default RMS loudness crossing point for speaking detection.
	VADThreshold = 0.02

	// VADSampleInterval is how often the pipeline samples loudness for VAD.
	VADSampleInterval = 50 * time.Millisecond // ~20 Hz

	// AudioMaxBitrate is the target encoding bitrate for the outbound voice track.
	AudioMaxBitrate = 128_000

	// ScreenShareMaxBitrate is the target encoding bitrate for screen-share video.
	ScreenShareMaxBitrate = 2_500_000
)
