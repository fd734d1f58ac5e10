package tcp

// Flags is the TCP header's control-bit field.
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagACK Flags = 1 << 4
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// WindowScaleOption, when present, carries the peer's advertised scale
// shift.
type WindowScaleOption struct {
	Present bool
	Shift   uint8
}

// Segment is an inbound or outbound TCP segment, addressed by its
// source/destination in the Tuple convention used throughout this
// package (Tuple.LocalIP/LocalPort always refer to the socket's own
// side, so an inbound Segment is constructed with the 4-tuple already
// flipped to local-vs-remote before HandleSegment sees it).
type Segment struct {
	Tuple       Tuple
	Seq         uint32
	Ack         uint32
	Flags       Flags
	Window      uint16 // raw, unscaled
	WindowScale WindowScaleOption
	Payload     []byte
}

// DeferredSend is a segment HandleSegment/the retransmit tick wants
// emitted, collected instead of sent inline so the connection-table lock
// can be released first.
type DeferredSend struct {
	Tuple       Tuple
	Seq         uint32
	Ack         uint32
	Flags       Flags
	Window      uint16
	WindowScale WindowScaleOption
	Payload     []byte
}

func (t Tuple) reversed() Tuple {
	return Tuple{LocalIP: t.RemoteIP, LocalPort: t.RemotePort, RemoteIP: t.LocalIP, RemotePort: t.LocalPort}
}
