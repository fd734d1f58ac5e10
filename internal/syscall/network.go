package syscall

import (
	"github.com/anyos-project/corekernel/internal/tcp"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// routeDeferred is this simulation's loopback NIC: every DeferredSend a
// Stack call produces is fed straight back into HandleSegment, since a
// real NIC driver is an external collaborator and a single Stack
// instance's Tuple convention already makes a loopback round trip well
// defined (DeferredSend.Tuple is always pre-reversed into the
// recipient's own local/remote frame, so handing it back to the same
// Stack is exactly what a wire would do).
func (k *Kernel) routeDeferred(cpu int, sends []tcp.DeferredSend, tick uint64) {
	queue := append([]tcp.DeferredSend(nil), sends...)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		seg := tcp.Segment{
			Tuple:       d.Tuple,
			Seq:         d.Seq,
			Ack:         d.Ack,
			Flags:       d.Flags,
			Window:      d.Window,
			WindowScale: d.WindowScale,
			Payload:     d.Payload,
		}
		more, wake, err := k.cfg.TCP.HandleSegment(cpu, seg, tick)
		if err != nil {
			k.logf("tcp loopback delivery dropped: %v", err)
			continue
		}
		queue = append(queue, more...)
		for _, tid := range wake {
			_ = k.cfg.Sched.TryWakeThread(tid)
		}
	}
}

// TCPListen implements `tcp_listen(port)`.
func (k *Kernel) TCPListen(cpu int, port uint16) (int, Errno) {
	if _, err := k.cfg.TCP.Listen(cpu, port); err != nil {
		return 0, kernelerr.ToErrno(err)
	}
	fd := k.allocFD()
	k.mu.Lock()
	k.tcpListeners[fd] = port
	k.mu.Unlock()
	return fd, OK
}

// TCPConnect implements `tcp_connect(remote_ip, remote_port)`: uses the
// caller-supplied local address and port, issues the SYN, and delivers
// it over the loopback router.
func (k *Kernel) TCPConnect(cpu int, localIP uint32, localPort uint16, remoteIP uint32, remotePort uint16, tick uint64) (int, Errno) {
	local := tcp.Tuple{LocalIP: localIP, LocalPort: localPort, RemoteIP: remoteIP, RemotePort: remotePort}
	_, syn, err := k.cfg.TCP.Connect(cpu, local, 6)
	if err != nil {
		return 0, kernelerr.ToErrno(err)
	}
	k.routeDeferred(cpu, []tcp.DeferredSend{syn}, tick)

	fd := k.allocFD()
	k.mu.Lock()
	k.tcpConns[fd] = local
	k.mu.Unlock()
	return fd, OK
}

// TCPAccept implements `tcp_accept(listen_fd)`, non-blocking;
// returns ErrAgain when the backlog has no Established-and-unaccepted
// child yet.
func (k *Kernel) TCPAccept(listenFD int) (int, Errno) {
	k.mu.Lock()
	port, ok := k.tcpListeners[listenFD]
	k.mu.Unlock()
	if !ok {
		return 0, kernelerr.ErrInvalid
	}

	sock, accepted, err := k.cfg.TCP.Accept(0, port)
	if err != nil {
		return 0, kernelerr.ToErrno(err)
	}
	if !accepted {
		return 0, kernelerr.ErrAgain
	}

	fd := k.allocFD()
	k.mu.Lock()
	k.tcpConns[fd] = sock.Tuple
	k.mu.Unlock()
	return fd, OK
}

// TCPSend implements `tcp_send(fd, data)`.
func (k *Kernel) TCPSend(cpu, fd int, data []byte, tick uint64) (int, Errno) {
	k.mu.Lock()
	tuple, ok := k.tcpConns[fd]
	k.mu.Unlock()
	if !ok {
		return 0, kernelerr.ErrInvalid
	}

	deferred, err := k.cfg.TCP.Send(cpu, tuple, data)
	if err != nil {
		return 0, kernelerr.ToErrno(err)
	}
	k.routeDeferred(cpu, deferred, tick)
	return len(data), OK
}

// TCPRecv implements `tcp_recv(fd, max_len)`; returns
// ErrAgain when the socket's receive buffer is empty.
func (k *Kernel) TCPRecv(cpu, fd, maxLen int) ([]byte, Errno) {
	k.mu.Lock()
	tuple, ok := k.tcpConns[fd]
	k.mu.Unlock()
	if !ok {
		return nil, kernelerr.ErrInvalid
	}

	buf, err := k.cfg.TCP.Recv(cpu, tuple, maxLen)
	if err != nil {
		return nil, kernelerr.ToErrno(err)
	}
	// A nil buffer with no error is EOF (peer sent FIN and the buffer is
	// drained); would-block comes back as an error from the stack.
	return buf, OK
}

// TCPClose implements `tcp_close(fd)`.
func (k *Kernel) TCPClose(cpu, fd int, tick uint64) Errno {
	k.mu.Lock()
	tuple, ok := k.tcpConns[fd]
	if ok {
		delete(k.tcpConns, fd)
	}
	delete(k.tcpListeners, fd)
	k.mu.Unlock()
	if !ok {
		return OK // closing a bare listener fd: nothing more to do
	}

	fin, err := k.cfg.TCP.Close(cpu, tuple)
	if err != nil {
		return kernelerr.ToErrno(err)
	}
	k.routeDeferred(cpu, []tcp.DeferredSend{fin}, tick)
	return OK
}

// DNSResolve implements `dns_resolve(host)`, delegated entirely to the
// Resolver collaborator; name resolution is not this kernel's concern.
func (k *Kernel) DNSResolve(host string) (uint32, Errno) {
	if k.cfg.DNS == nil {
		return 0, kernelerr.ErrNoSys
	}
	ip, err := k.cfg.DNS.Resolve(host)
	return ip, kernelerr.ToErrno(err)
}
