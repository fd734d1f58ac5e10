// Package tcp implements the TCP input state machine: per-connection
// control blocks, send/receive buffering, fast retransmit, listener
// backlogs, and deferred segment emission. Segment handling holds a
// single lock over the connection table; any emission the handler needs
// is collected as a DeferredSend and performed after releasing the
// lock, so HandleSegment returns a batch of DeferredSends the caller
// flushes to the NIC driver afterwards.
package tcp

import (
	"time"

	"github.com/anyos-project/corekernel/pkg/cpulock"
)

// State is a connection's TCP state.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	LastAck
	Closing
	TimeWait
)

func (s State) String() string {
	names := [...]string{"CLOSED", "LISTEN", "SYN_SENT", "SYN_RECEIVED", "ESTABLISHED",
		"FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT", "LAST_ACK", "CLOSING", "TIME_WAIT"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Tuple is a connection's 4-tuple identity.
type Tuple struct {
	LocalIP    uint32
	LocalPort  uint16
	RemoteIP   uint32
	RemotePort uint16
}

// MaxBacklog bounds the number of child sockets a listener carries in
// SynReceived/Established-but-not-yet-accepted.
const MaxBacklog = 16

// DefaultMSS is the maximum segment size used for retransmission and the
// zero-window probe's single-byte exception.
const DefaultMSS = 1460

// Socket is one connection's TCB.
type Socket struct {
	Tuple Tuple
	State State

	SndISS      uint32
	SndUNA      uint32
	SndNxt      uint32
	SndWnd      uint32 // post-scaling
	SndWndShift uint8

	RcvIRS      uint32
	RcvNxt      uint32
	RcvWndShift uint8
	RcvBufCap   int

	SendBuf []byte // bytes awaiting ACK
	RecvBuf []byte // bytes waiting for app read

	LastSendTick     uint64
	RetransmitCount  int
	DupAckCount      int
	rto              *rtoTimer

	ParentListener *Listener
	Accepted       bool

	OwnerTID   int
	WaitingTID int // app thread blocked on accept/recv

	ResetReceived bool
	FinReceived   bool
	TimeWaitStart time.Time

	// zeroWindowSince records when the peer's advertised window first
	// dropped to zero and stayed there, driving the zero-window probe.
	zeroWindowSince time.Time
	zeroWindowArmed bool
}

// noteWindow arms the zero-window probe clock when the peer's window
// drops to zero and disarms it as soon as the window reopens.
func (s *Socket) noteWindow(now time.Time) {
	if s.SndWnd == 0 {
		if !s.zeroWindowArmed {
			s.zeroWindowArmed = true
			s.zeroWindowSince = now
		}
	} else {
		s.zeroWindowArmed = false
	}
}

// NewSocket constructs a Socket in Closed state with a default receive
// buffer capacity.
func NewSocket(tuple Tuple, rcvBufCap int) *Socket {
	if rcvBufCap <= 0 {
		rcvBufCap = 64 * 1024
	}
	return &Socket{
		Tuple:     tuple,
		State:     Closed,
		RcvBufCap: rcvBufCap,
		rto:       newRTOTimer(),
	}
}

// RecvBufFree returns how many bytes of receive buffer remain, used for
// advertised-window computation.
func (s *Socket) RecvBufFree() int {
	free := s.RcvBufCap - len(s.RecvBuf)
	if free < 0 {
		return 0
	}
	return free
}

// AdvertisedWindow is the receive side of window scaling:
// min(rcv_buf_free, 0xFFFF << rcv_wnd_shift). This is the actual,
// post-scale window size; the wire representation is WireWindow.
func (s *Socket) AdvertisedWindow() uint32 {
	cap := uint32(0xFFFF) << s.RcvWndShift
	free := uint32(s.RecvBufFree())
	if free < cap {
		return free
	}
	return cap
}

// WireWindow returns the 16-bit value that belongs in a segment's Window
// field: the advertised window right-shifted back down by rcv_wnd_shift,
// the inverse of the peer's `seg.Window << SndWndShift` reconstruction.
func (s *Socket) WireWindow() uint16 {
	return uint16(s.AdvertisedWindow() >> s.RcvWndShift)
}

// Listener owns a listening socket's backlog.
type Listener struct {
	Port     uint16
	Backlog  []*Socket // children in SynReceived/Established, not yet accepted
	AcceptWaitingTID int
	lock     *cpulock.CPULock
}

// NewListener constructs an empty listener on port.
func NewListener(port uint16) *Listener {
	return &Listener{Port: port, lock: cpulock.New()}
}

// seqLess reports whether a precedes b in modulo-2^32 sequence space.
func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

// seqLessEq reports a <= b in modulo-2^32 order.
func seqLessEq(a, b uint32) bool { return a == b || seqLess(a, b) }

// seqInRange reports lo <= v < hi in modulo-2^32 order (half-open).
func seqInRange(v, lo, hi uint32) bool { return seqLessEq(lo, v) && seqLess(v, hi) }
