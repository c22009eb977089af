package mediator

import "time"

const (
	// Inbox
	InboxChLen = 16

	// Frame
	SockRecvFrameChanBuffer = 256
	SockRecvBufferSize      = 1 << 16

	// Timer events that can be pending at once before the timer goroutines start to wait on the loop.
	TimerEventChLen = 16

	// Misc

	DefaultKeepaliveInterval   = 2 * time.Second
	DefaultHandshakeTimeout    = 5 * time.Second
	DefaultDirectRetries       = 2
	DefaultRelayTimeout        = 5 * time.Second
	DefaultPeerLivenessTimeout = 3 * time.Minute
	DefaultWhoamiInterval      = time.Minute
	DefaultMaxPeers            = 4096
	DefaultSendQueueLen        = 4 * 16

	DefaultPathCheckTokens   = 4
	DefaultPathCheckInterval = 10 * time.Second
)
