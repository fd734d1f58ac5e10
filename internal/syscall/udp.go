package syscall

import (
	"sync"

	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// udpDatagram is one queued unreliable datagram: no connection state,
// no retransmission, no ordering guarantee beyond FIFO-per-port
// delivery.
type udpDatagram struct {
	srcIP   uint32
	srcPort uint16
	payload []byte
}

// udpMux is the loopback-only UDP model backing udp_bind/udp_sendto/
// udp_recvfrom. Unlike tcp.Stack there is no state machine to carry, so
// this does not warrant its own package: it is a minimal per-port
// mailbox delivered over the same loopback idea as routeDeferred in
// network.go.
type udpMux struct {
	mu     sync.Mutex
	binds  map[uint16]int        // port -> owning fd
	inbox  map[uint16][]udpDatagram
}

func newUDPMux() *udpMux {
	return &udpMux{
		binds: make(map[uint16]int),
		inbox: make(map[uint16][]udpDatagram),
	}
}

func (m *udpMux) bind(fd int, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.binds[port]; taken {
		return kernelerr.New("udp", "bind", kernelerr.CodeAlreadyExists, "port already bound")
	}
	m.binds[port] = fd
	return nil
}

func (m *udpMux) portForFD(fd int) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, owner := range m.binds {
		if owner == fd {
			return port, true
		}
	}
	return 0, false
}

func (m *udpMux) unbind(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, owner := range m.binds {
		if owner == fd {
			delete(m.binds, port)
			delete(m.inbox, port)
		}
	}
}

// sendTo delivers payload to dstPort's inbox if something is bound
// there (loopback NIC, same simplification as routeDeferred), and
// silently drops it otherwise: an unreachable UDP destination is not an
// error at the sender, matching real fire-and-forget sockets.
func (m *udpMux) sendTo(srcIP uint32, srcPort, dstPort uint16, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, bound := m.binds[dstPort]; !bound {
		return
	}
	cp := append([]byte(nil), payload...)
	m.inbox[dstPort] = append(m.inbox[dstPort], udpDatagram{srcIP: srcIP, srcPort: srcPort, payload: cp})
}

func (m *udpMux) recvFrom(port uint16) (udpDatagram, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.inbox[port]
	if len(q) == 0 {
		return udpDatagram{}, false
	}
	d := q[0]
	m.inbox[port] = q[1:]
	return d, true
}

// UDPBind implements `udp_bind(port)`.
func (k *Kernel) UDPBind(port uint16) (int, Errno) {
	fd := k.allocFD()
	if err := k.udp.bind(fd, port); err != nil {
		return 0, kernelerr.ToErrno(err)
	}
	return fd, OK
}

// UDPSendTo implements `udp_sendto(fd, dst_ip, dst_port, data)`. The
// sending fd's own bound port (if any) is used as the
// datagram's source port; an unbound sender is treated as an ephemeral,
// unaddressable source, matching a fire-and-forget socket that never
// expects a reply.
func (k *Kernel) UDPSendTo(fd int, localIP, dstIP uint32, dstPort uint16, data []byte) Errno {
	srcPort, _ := k.udp.portForFD(fd)
	k.udp.sendTo(localIP, srcPort, dstPort, data)
	return OK
}

// UDPRecvFrom implements `udp_recvfrom(fd)`; returns
// ErrAgain when fd's inbox is empty.
func (k *Kernel) UDPRecvFrom(fd int) (srcIP uint32, srcPort uint16, payload []byte, errno Errno) {
	port, ok := k.udp.portForFD(fd)
	if !ok {
		return 0, 0, nil, kernelerr.ErrInvalid
	}
	d, ok := k.udp.recvFrom(port)
	if !ok {
		return 0, 0, nil, kernelerr.ErrAgain
	}
	return d.srcIP, d.srcPort, d.payload, OK
}

// UDPClose implements `udp_close(fd)`.
func (k *Kernel) UDPClose(fd int) Errno {
	k.udp.unbind(fd)
	return OK
}
