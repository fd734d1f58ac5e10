package tcp

import (
	"time"

	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/pkg/cpulock"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// RetransmitCap bounds the number of timeout-driven retransmissions
// before a connection is unilaterally reset.
const RetransmitCap = 8

// TimeWaitDuration is how long a connection sits in TimeWait before
// collapsing to Closed.
const TimeWaitDuration = 30 * time.Second

// Waker is the wake capability a Config can carry, satisfied by
// *sched.Scheduler without this package importing it directly. Stack
// itself never calls it: HandleSegment returns the tids to wake, and the
// caller wakes them after the call has returned and the lock is released.
type Waker interface {
	TryWakeThread(tid int) error
}

// StackConfig configures a new Stack.
type StackConfig struct {
	Logger *logging.Logger
	Waker  Waker
}

// Stack owns every connection's TCB and every listener, guarded
// by a single connection-table lock.
type Stack struct {
	cfg StackConfig

	lock  *cpulock.CPULock
	conns map[Tuple]*Socket
	listeners map[uint16]*Listener

	issCounter uint32
}

// New constructs an empty Stack.
func New(cfg StackConfig) *Stack {
	return &Stack{
		cfg:       cfg,
		lock:      cpulock.New(),
		conns:     make(map[Tuple]*Socket),
		listeners: make(map[uint16]*Listener),
		issCounter: 1,
	}
}

func (s *Stack) nextISS() uint32 {
	s.issCounter += 64000 // arbitrary per-connection stride, avoiding ISS reuse across back-to-back connects
	return s.issCounter
}

// Listen registers a listener on port.
func (s *Stack) Listen(cpu int, port uint16) (*Listener, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	if _, ok := s.listeners[port]; ok {
		return nil, kernelerr.New("tcp", "listen", kernelerr.CodeAlreadyExists, "port already listening")
	}
	l := NewListener(port)
	s.listeners[port] = l
	return l, nil
}

// Connect creates a socket in SynSent and returns the SYN to emit.
func (s *Stack) Connect(cpu int, local Tuple, rcvWndShift uint8) (*Socket, DeferredSend, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	if _, ok := s.conns[local]; ok {
		return nil, DeferredSend{}, kernelerr.New("tcp", "connect", kernelerr.CodeAlreadyExists, "connection already exists")
	}
	sock := NewSocket(local, 0)
	sock.SndISS = s.nextISS()
	sock.SndUNA = sock.SndISS
	sock.SndNxt = sock.SndISS + 1
	sock.RcvWndShift = rcvWndShift
	sock.State = SynSent
	s.conns[local] = sock

	seg := DeferredSend{
		Tuple:       local.reversed(),
		Seq:         sock.SndISS,
		Flags:       FlagSYN,
		Window:      sock.WireWindow(),
		WindowScale: WindowScaleOption{Present: true, Shift: rcvWndShift},
	}
	return sock, seg, nil
}

// Accept pops the first Established (and not yet accepted) child off
// listener's backlog, non-blocking.
func (s *Stack) Accept(cpu int, port uint16) (*Socket, bool, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	l, ok := s.listeners[port]
	if !ok {
		return nil, false, kernelerr.New("tcp", "accept", kernelerr.CodeNotFound, "no listener on port")
	}
	for i, child := range l.Backlog {
		if child.State == Established && !child.Accepted {
			child.Accepted = true
			l.Backlog = append(l.Backlog[:i], l.Backlog[i+1:]...)
			return child, true, nil
		}
	}
	return nil, false, nil
}

// Lookup returns the socket for tuple, if any.
func (s *Stack) Lookup(tuple Tuple) (*Socket, bool) {
	s.lock.Lock(0)
	defer s.lock.Unlock()
	sock, ok := s.conns[tuple]
	return sock, ok
}

// HandleSegment is the single entry point for inbound segments:
// it locates the connection by 4-tuple, runs the relevant state
// transition, and returns every DeferredSend/wake that resulted, to be
// performed by the caller after the connection-table lock has been
// released.
func (s *Stack) HandleSegment(cpu int, seg Segment, nowTick uint64) ([]DeferredSend, []int, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	sock, ok := s.conns[seg.Tuple]
	if !ok {
		return s.handleUnmatchedLocked(seg)
	}

	var deferred []DeferredSend
	var wake []int

	switch sock.State {
	case SynSent:
		deferred = s.handleSynSentLocked(sock, seg)
	case SynReceived:
		d, w := s.handleSynReceivedLocked(sock, seg)
		deferred = append(deferred, d...)
		wake = append(wake, w...)
	case Established, CloseWait:
		d, w := s.handleEstablishedLocked(sock, seg, nowTick)
		deferred = append(deferred, d...)
		wake = append(wake, w...)
	case FinWait1, FinWait2, Closing, LastAck:
		d := s.handlePostFINLocked(sock, seg)
		deferred = append(deferred, d...)
	case TimeWait:
		if seg.Flags.has(FlagFIN) {
			deferred = append(deferred, ackFor(sock))
		}
	default:
		// Closed/Listen sockets should never be reached via the
		// connection table; defensively reset.
		deferred = append(deferred, rstFor(seg))
	}

	if sock.State == Closed {
		delete(s.conns, sock.Tuple)
	}
	return deferred, wake, nil
}

func (s *Stack) handleUnmatchedLocked(seg Segment) ([]DeferredSend, []int, error) {
	if seg.Flags.has(FlagSYN) && !seg.Flags.has(FlagACK) {
		l, ok := s.listeners[seg.Tuple.LocalPort]
		if ok {
			if len(l.Backlog) >= MaxBacklog {
				// (MAX_BACKLOG+1)-th unaccepted SYN: silently dropped,
				// no RST, no child socket.
				return nil, nil, nil
			}
			child := NewSocket(Tuple{LocalIP: seg.Tuple.LocalIP, LocalPort: seg.Tuple.LocalPort, RemoteIP: seg.Tuple.RemoteIP, RemotePort: seg.Tuple.RemotePort}, 0)
			child.ParentListener = l
			child.RcvIRS = seg.Seq
			child.RcvNxt = seg.Seq + 1
			child.SndISS = s.nextISS()
			child.SndUNA = child.SndISS
			child.SndNxt = child.SndISS + 1
			if seg.WindowScale.Present {
				child.SndWndShift = seg.WindowScale.Shift
			}
			child.RcvWndShift = seg.WindowScale.Shift // advertise a scale back; symmetry is a simulation simplification
			child.SndWnd = uint32(seg.Window) << child.SndWndShift
			child.State = SynReceived
			l.Backlog = append(l.Backlog, child)
			s.conns[child.Tuple] = child

			synAck := DeferredSend{
				Tuple:       child.Tuple.reversed(),
				Seq:         child.SndISS,
				Ack:         child.RcvNxt,
				Flags:       FlagSYN | FlagACK,
				Window:      child.WireWindow(),
				WindowScale: WindowScaleOption{Present: true, Shift: child.RcvWndShift},
			}
			return []DeferredSend{synAck}, nil, nil
		}
	}
	// No socket matches and no listener: send RST.
	return []DeferredSend{rstFor(seg)}, nil, nil
}

func rstFor(seg Segment) DeferredSend {
	return DeferredSend{Tuple: seg.Tuple.reversed(), Seq: seg.Ack, Ack: seg.Seq + uint32(len(seg.Payload)), Flags: FlagRST}
}

func ackFor(sock *Socket) DeferredSend {
	return DeferredSend{
		Tuple:  sock.Tuple.reversed(),
		Seq:    sock.SndNxt,
		Ack:    sock.RcvNxt,
		Flags:  FlagACK,
		Window: sock.WireWindow(),
	}
}

func (s *Stack) handleSynSentLocked(sock *Socket, seg Segment) []DeferredSend {
	if seg.Flags.has(FlagSYN) && seg.Flags.has(FlagACK) && seg.Ack == sock.SndNxt {
		sock.RcvIRS = seg.Seq
		sock.RcvNxt = seg.Seq + 1
		sock.SndUNA = seg.Ack
		if seg.WindowScale.Present {
			sock.SndWndShift = seg.WindowScale.Shift
		}
		sock.SndWnd = uint32(seg.Window) << sock.SndWndShift
		sock.State = Established
		return []DeferredSend{ackFor(sock)}
	}
	return nil
}

func (s *Stack) handleSynReceivedLocked(sock *Socket, seg Segment) ([]DeferredSend, []int) {
	if seg.Flags.has(FlagACK) && seg.Ack == sock.SndNxt {
		sock.SndUNA = seg.Ack
		sock.State = Established
		var wake []int
		if sock.ParentListener != nil && sock.ParentListener.AcceptWaitingTID != 0 {
			wake = append(wake, sock.ParentListener.AcceptWaitingTID)
			sock.ParentListener.AcceptWaitingTID = 0
		}
		return nil, wake
	}
	return nil, nil
}

func (s *Stack) handleEstablishedLocked(sock *Socket, seg Segment, nowTick uint64) ([]DeferredSend, []int) {
	if seg.Flags.has(FlagRST) {
		sock.ResetReceived = true
		sock.State = Closed
		return nil, nil
	}

	var deferred []DeferredSend
	var wake []int

	if seg.Flags.has(FlagACK) {
		ack := seg.Ack
		switch {
		case seqLess(sock.SndUNA, ack) && seqLessEq(ack, sock.SndNxt):
			// New ACK: advance snd_una, drain send buffer, update window,
			// reset dup-ack counter.
			drained := ack - sock.SndUNA
			sock.SndUNA = ack
			if int(drained) <= len(sock.SendBuf) {
				sock.SendBuf = sock.SendBuf[drained:]
			} else {
				sock.SendBuf = nil
			}
			sock.SndWnd = uint32(seg.Window) << sock.SndWndShift
			sock.noteWindow(time.Now())
			sock.DupAckCount = 0
			sock.rto.Reset()
			sock.LastSendTick = nowTick
		case ack == sock.SndUNA && len(seg.Payload) == 0 && seg.Flags == FlagACK && len(sock.SendBuf) > 0:
			// Pure duplicate ACK with outstanding data: increment
			// dup-ack counter; on the 3rd, fast retransmit one MSS
			// starting at snd_una, without resetting retransmit count the
			// way a timeout would.
			sock.DupAckCount++
			if sock.DupAckCount == 3 {
				deferred = append(deferred, dataSegment(sock, sock.SndUNA, capMSS(sock.SendBuf)))
			}
		}
	}

	if len(seg.Payload) > 0 {
		if seg.Seq == sock.RcvNxt && len(seg.Payload) <= sock.RecvBufFree() {
			sock.RecvBuf = append(sock.RecvBuf, seg.Payload...)
			sock.RcvNxt += uint32(len(seg.Payload))
		}
		deferred = append(deferred, ackFor(sock))
		if sock.WaitingTID != 0 {
			wake = append(wake, sock.WaitingTID)
			sock.WaitingTID = 0
		}
	}

	if seg.Flags.has(FlagFIN) && !sock.FinReceived {
		sock.RcvNxt++
		sock.FinReceived = true
		sock.State = CloseWait
		deferred = append(deferred, ackFor(sock))
		if sock.WaitingTID != 0 {
			wake = append(wake, sock.WaitingTID)
			sock.WaitingTID = 0
		}
	}

	return deferred, wake
}

func (s *Stack) handlePostFINLocked(sock *Socket, seg Segment) []DeferredSend {
	var deferred []DeferredSend

	ourFINAcked := seg.Flags.has(FlagACK) && seg.Ack == sock.SndNxt

	if sock.State == LastAck {
		if ourFINAcked {
			sock.State = Closed
		}
		return nil
	}

	if seg.Flags.has(FlagFIN) {
		sock.RcvNxt++
		deferred = append(deferred, ackFor(sock))
	}

	switch sock.State {
	case FinWait1:
		switch {
		case ourFINAcked && seg.Flags.has(FlagFIN):
			sock.State = TimeWait
			sock.TimeWaitStart = time.Now()
		case ourFINAcked:
			sock.State = FinWait2
		case seg.Flags.has(FlagFIN):
			sock.State = Closing
		}
	case FinWait2:
		if seg.Flags.has(FlagFIN) {
			sock.State = TimeWait
			sock.TimeWaitStart = time.Now()
		}
	case Closing:
		if ourFINAcked {
			sock.State = TimeWait
			sock.TimeWaitStart = time.Now()
		}
	}
	return deferred
}

func capMSS(buf []byte) []byte {
	if len(buf) > DefaultMSS {
		return buf[:DefaultMSS]
	}
	return buf
}

func dataSegment(sock *Socket, seq uint32, payload []byte) DeferredSend {
	return DeferredSend{
		Tuple:   sock.Tuple.reversed(),
		Seq:     seq,
		Ack:     sock.RcvNxt,
		Flags:   FlagACK,
		Window:  sock.WireWindow(),
		Payload: append([]byte(nil), payload...),
	}
}

// Send appends data to sock's send buffer (subject to available window)
// and returns the data segment(s) to emit now.
func (s *Stack) Send(cpu int, tuple Tuple, data []byte) ([]DeferredSend, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	sock, ok := s.conns[tuple]
	if !ok {
		return nil, kernelerr.New("tcp", "send", kernelerr.CodeNotFound, "no such connection")
	}
	if sock.State != Established && sock.State != CloseWait {
		return nil, kernelerr.New("tcp", "send", kernelerr.CodeInvalidArgs, "connection not writable in state "+sock.State.String())
	}

	inFlight := sock.SndNxt - sock.SndUNA
	if uint32(len(data))+inFlight > sock.SndWnd {
		return nil, kernelerr.New("tcp", "send", kernelerr.CodeWouldBlock, "send window full")
	}

	sock.SendBuf = append(sock.SendBuf, data...)
	var deferred []DeferredSend
	for off := 0; off < len(data); off += DefaultMSS {
		end := off + DefaultMSS
		if end > len(data) {
			end = len(data)
		}
		seq := sock.SndNxt
		deferred = append(deferred, dataSegment(sock, seq, data[off:end]))
		sock.SndNxt += uint32(end - off)
	}
	sock.LastSendTick++
	return deferred, nil
}

// Recv drains up to maxLen bytes from sock's receive buffer.
func (s *Stack) Recv(cpu int, tuple Tuple, maxLen int) ([]byte, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	sock, ok := s.conns[tuple]
	if !ok {
		return nil, kernelerr.New("tcp", "recv", kernelerr.CodeNotFound, "no such connection")
	}
	if len(sock.RecvBuf) == 0 {
		if sock.FinReceived {
			return nil, nil // EOF
		}
		return nil, kernelerr.New("tcp", "recv", kernelerr.CodeWouldBlock, "no data available")
	}
	n := maxLen
	if n > len(sock.RecvBuf) {
		n = len(sock.RecvBuf)
	}
	out := append([]byte(nil), sock.RecvBuf[:n]...)
	sock.RecvBuf = sock.RecvBuf[n:]
	return out, nil
}

// Close performs an active close: Established ->
// FinWait1, CloseWait -> LastAck, each sending a FIN.
func (s *Stack) Close(cpu int, tuple Tuple) (DeferredSend, error) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	sock, ok := s.conns[tuple]
	if !ok {
		return DeferredSend{}, kernelerr.New("tcp", "close", kernelerr.CodeNotFound, "no such connection")
	}
	fin := DeferredSend{
		Tuple:  sock.Tuple.reversed(),
		Seq:    sock.SndNxt,
		Ack:    sock.RcvNxt,
		Flags:  FlagFIN | FlagACK,
		Window: sock.WireWindow(),
	}
	switch sock.State {
	case Established:
		sock.SndNxt++
		sock.State = FinWait1
	case CloseWait:
		sock.SndNxt++
		sock.State = LastAck
	default:
		return DeferredSend{}, kernelerr.New("tcp", "close", kernelerr.CodeInvalidArgs, "connection not open in state "+sock.State.String())
	}
	return fin, nil
}

// RetransmitTick is the periodic retransmission pass: for each
// connection with unacked data whose RTO has elapsed,
// resend the front of the send buffer, bump the retransmit count, and
// double the RTO (via rtoTimer); connections exceeding RetransmitCap are
// reset.
func (s *Stack) RetransmitTick(cpu int, nowTick uint64, rtoElapsed func(sock *Socket) bool) ([]DeferredSend, []Tuple) {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	var deferred []DeferredSend
	var reset []Tuple

	for tuple, sock := range s.conns {
		if sock.State != Established && sock.State != CloseWait {
			continue
		}
		if len(sock.SendBuf) == 0 {
			continue
		}
		if !rtoElapsed(sock) {
			continue
		}
		if sock.RetransmitCount >= RetransmitCap {
			sock.State = Closed
			reset = append(reset, tuple)
			delete(s.conns, tuple)
			continue
		}
		sock.RetransmitCount++
		sock.rto.Next() // advance backoff state for next check
		deferred = append(deferred, dataSegment(sock, sock.SndUNA, capMSS(sock.SendBuf)))
	}
	return deferred, reset
}

// ZeroWindowProbeTick emits a single-byte window probe for every open
// connection whose peer window has been zero for at least wait and that
// still has data queued. The probe carries the first unacked byte, so a
// peer that has reopened its window answers with an ACK that both
// advances snd_una and reports the new window.
func (s *Stack) ZeroWindowProbeTick(cpu int, now time.Time, wait time.Duration) []DeferredSend {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()

	var deferred []DeferredSend
	for _, sock := range s.conns {
		if sock.State != Established && sock.State != CloseWait {
			continue
		}
		if !sock.zeroWindowArmed || len(sock.SendBuf) == 0 {
			continue
		}
		if now.Sub(sock.zeroWindowSince) < wait {
			continue
		}
		deferred = append(deferred, dataSegment(sock, sock.SndUNA, sock.SendBuf[:1]))
		sock.zeroWindowSince = now // re-probe after another full wait
	}
	return deferred
}

// CollapseTimeWait removes every connection whose TimeWait timer has
// expired; expiry collapses straight to Closed.
func (s *Stack) CollapseTimeWait(cpu int, now time.Time) int {
	s.lock.Lock(cpu)
	defer s.lock.Unlock()
	n := 0
	for tuple, sock := range s.conns {
		if sock.State == TimeWait && now.Sub(sock.TimeWaitStart) >= TimeWaitDuration {
			delete(s.conns, tuple)
			n++
		}
	}
	return n
}
