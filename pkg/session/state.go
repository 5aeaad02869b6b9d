// ABOUTME: Connection state enums for individual channels and the combined session
// ABOUTME: The session is connected only while both channels are
package session

// ChannelState is the lifecycle of one channel inside the session
type ChannelState int

const (
	Disconnected ChannelState = iota
	Connecting
	Connected
)

func (s ChannelState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Which selects a channel of the pair
type Which int

const (
	Control Which = iota
	Stream
)

func (w Which) String() string {
	if w == Control {
		return "control"
	}
	return "stream"
}
