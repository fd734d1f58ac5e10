package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func toSegment(d DeferredSend) Segment {
	return Segment{
		Tuple:       d.Tuple,
		Seq:         d.Seq,
		Ack:         d.Ack,
		Flags:       d.Flags,
		Window:      d.Window,
		WindowScale: d.WindowScale,
		Payload:     d.Payload,
	}
}

func handshake(t *testing.T) (client, server *Stack, clientTuple Tuple, clientSock, serverChild *Socket) {
	t.Helper()
	client = New(StackConfig{})
	server = New(StackConfig{})

	_, err := server.Listen(0, 80)
	require.NoError(t, err)

	clientTuple = Tuple{LocalIP: 1, LocalPort: 5000, RemoteIP: 2, RemotePort: 80}
	clientSock, syn, err := client.Connect(0, clientTuple, 6)
	require.NoError(t, err)
	require.Equal(t, SynSent, clientSock.State)

	deferred, wake, err := server.HandleSegment(0, toSegment(syn), 1)
	require.NoError(t, err)
	require.Empty(t, wake)
	require.Len(t, deferred, 1)
	synAck := deferred[0]

	serverChild, ok := server.Lookup(syn.Tuple)
	require.True(t, ok)
	require.Equal(t, SynReceived, serverChild.State)

	deferred, wake, err = client.HandleSegment(0, toSegment(synAck), 2)
	require.NoError(t, err)
	require.Empty(t, wake)
	require.Len(t, deferred, 1)
	require.Equal(t, Established, clientSock.State)
	ack := deferred[0]

	deferred, _, err = server.HandleSegment(0, toSegment(ack), 3)
	require.NoError(t, err)
	require.Empty(t, deferred)
	require.Equal(t, Established, serverChild.State)

	return client, server, clientTuple, clientSock, serverChild
}

func TestHandshakeMonotonicSequence(t *testing.T) {
	client, server, _, clientSock, serverChild := handshake(t)
	_ = client
	_ = server

	require.Equal(t, clientSock.SndISS+1, clientSock.SndNxt)
	require.Equal(t, clientSock.SndNxt, clientSock.SndUNA)
	require.Equal(t, serverChild.SndISS+1, serverChild.SndNxt)
	require.Equal(t, serverChild.RcvIRS+1, serverChild.RcvNxt)
	require.Equal(t, clientSock.RcvNxt, serverChild.SndNxt)
}

func TestAcceptReturnsEstablishedChild(t *testing.T) {
	_, server, _, _, serverChild := handshake(t)

	child, ok, err := server.Accept(0, 80)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, serverChild, child)

	_, ok, err = server.Accept(0, 80)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEchoRoundTrip(t *testing.T) {
	client, server, clientTuple, clientSock, serverChild := handshake(t)

	payload := []byte("hello kernel")
	segs, err := client.Send(0, clientTuple, payload)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, uint32(len(payload)), clientSock.SndNxt-clientSock.SndUNA)

	deferred, _, err := server.HandleSegment(0, toSegment(segs[0]), 4)
	require.NoError(t, err)
	require.Len(t, deferred, 1) // ack for the payload

	got, err := server.Recv(0, serverChild.Tuple, 64)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, _, err = client.HandleSegment(0, toSegment(deferred[0]), 5)
	require.NoError(t, err)
	require.Equal(t, clientSock.SndNxt, clientSock.SndUNA)
	require.Empty(t, clientSock.SendBuf)
}

func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	client, server, clientTuple, clientSock, serverChild := handshake(t)
	_ = server
	_ = serverChild

	payload := []byte("unacked data")
	_, err := client.Send(0, clientTuple, payload)
	require.NoError(t, err)

	dupAck := DeferredSend{
		Tuple:  clientTuple, // addressed to the client, so its own tuple, not reversed
		Seq:    clientSock.SndNxt, // irrelevant for the dup-ack rule, only Ack matters
		Ack:    clientSock.SndUNA,
		Flags:  FlagACK,
		Window: 65535,
	}

	deferred, _, err := client.HandleSegment(0, toSegment(dupAck), 6)
	require.NoError(t, err)
	require.Empty(t, deferred)
	require.Equal(t, 1, clientSock.DupAckCount)

	deferred, _, err = client.HandleSegment(0, toSegment(dupAck), 7)
	require.NoError(t, err)
	require.Empty(t, deferred)
	require.Equal(t, 2, clientSock.DupAckCount)

	deferred, _, err = client.HandleSegment(0, toSegment(dupAck), 8)
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	require.Equal(t, 3, clientSock.DupAckCount)
	require.Equal(t, payload, deferred[0].Payload)
	require.Equal(t, clientSock.SndUNA, deferred[0].Seq)

	// A new ACK resets the dup-ack counter.
	newAck := DeferredSend{Tuple: clientTuple, Ack: clientSock.SndUNA + uint32(len(payload)), Flags: FlagACK, Window: 65535}
	_, _, err = client.HandleSegment(0, toSegment(newAck), 9)
	require.NoError(t, err)
	require.Zero(t, clientSock.DupAckCount)
	require.Equal(t, newAck.Ack, clientSock.SndUNA)
}

func TestSequenceWraparoundComparison(t *testing.T) {
	var max32 uint32 = 0xFFFFFFFF
	require.True(t, seqLess(max32, 0))
	require.False(t, seqLess(0, max32))
	require.True(t, seqLessEq(max32, max32))
	require.True(t, seqInRange(max32, max32-1, 1))
}

func TestActiveCloseFullCycle(t *testing.T) {
	client, server, clientTuple, clientSock, serverChild := handshake(t)

	fin, err := client.Close(0, clientTuple)
	require.NoError(t, err)
	require.Equal(t, FinWait1, clientSock.State)

	deferred, _, err := server.HandleSegment(0, toSegment(fin), 10)
	require.NoError(t, err)
	require.Equal(t, CloseWait, serverChild.State)
	require.Len(t, deferred, 1) // ack for the FIN

	_, _, err = client.HandleSegment(0, toSegment(deferred[0]), 11)
	require.NoError(t, err)
	require.Equal(t, FinWait2, clientSock.State)

	serverFin, err := server.Close(0, serverChild.Tuple)
	require.NoError(t, err)
	require.Equal(t, LastAck, serverChild.State)

	deferred, _, err = client.HandleSegment(0, toSegment(serverFin), 12)
	require.NoError(t, err)
	require.Equal(t, TimeWait, clientSock.State)
	require.Len(t, deferred, 1)

	_, _, err = server.HandleSegment(0, toSegment(deferred[0]), 13)
	require.NoError(t, err)
	require.Equal(t, Closed, serverChild.State)
}

func TestListenerBacklogDropsBeyondMax(t *testing.T) {
	server := New(StackConfig{})
	_, err := server.Listen(0, 80)
	require.NoError(t, err)

	for i := 0; i < MaxBacklog; i++ {
		syn := Segment{
			Tuple: Tuple{LocalIP: 2, LocalPort: 80, RemoteIP: 1, RemotePort: uint16(6000 + i)},
			Seq:   uint32(1000 * (i + 1)),
			Flags: FlagSYN,
		}
		deferred, _, err := server.HandleSegment(0, syn, uint64(i))
		require.NoError(t, err)
		require.Len(t, deferred, 1, "SYN %d should be accepted into the backlog", i)
	}

	overflow := Segment{
		Tuple: Tuple{LocalIP: 2, LocalPort: 80, RemoteIP: 1, RemotePort: 7000},
		Seq:   99999,
		Flags: FlagSYN,
	}
	deferred, wake, err := server.HandleSegment(0, overflow, 999)
	require.NoError(t, err)
	require.Empty(t, deferred, "the (MAX_BACKLOG+1)-th SYN must be silently dropped")
	require.Empty(t, wake)

	_, ok := server.Lookup(overflow.Tuple)
	require.False(t, ok)
}

func TestUnmatchedNonSYNGetsRST(t *testing.T) {
	server := New(StackConfig{})
	seg := Segment{
		Tuple: Tuple{LocalIP: 2, LocalPort: 80, RemoteIP: 1, RemotePort: 5000},
		Seq:   1,
		Ack:   1,
		Flags: FlagACK,
	}
	deferred, _, err := server.HandleSegment(0, seg, 1)
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	require.True(t, deferred[0].Flags.has(FlagRST))
}

func TestCloseWaitStillProcessesAcks(t *testing.T) {
	client, server, clientTuple, _, serverChild := handshake(t)

	// Server sends data, then the client half-closes; the server sits in
	// CloseWait with data still in flight.
	segs, err := server.Send(0, serverChild.Tuple, []byte("late reply"))
	require.NoError(t, err)
	require.Len(t, segs, 1)

	fin, err := client.Close(0, clientTuple)
	require.NoError(t, err)
	_, _, err = server.HandleSegment(0, toSegment(fin), 20)
	require.NoError(t, err)
	require.Equal(t, CloseWait, serverChild.State)

	// The ACK for the in-flight data must drain the send buffer, not
	// reset the connection.
	ack := Segment{
		Tuple:  serverChild.Tuple,
		Ack:    serverChild.SndNxt,
		Flags:  FlagACK,
		Window: 65535,
	}
	deferred, _, err := server.HandleSegment(0, ack, 21)
	require.NoError(t, err)
	for _, d := range deferred {
		require.False(t, d.Flags.has(FlagRST))
	}
	require.Equal(t, CloseWait, serverChild.State)
	require.Empty(t, serverChild.SendBuf)
}

func TestZeroWindowProbe(t *testing.T) {
	client, _, clientTuple, clientSock, _ := handshake(t)

	_, err := client.Send(0, clientTuple, []byte("stalled"))
	require.NoError(t, err)

	// Peer acks one byte and slams the window shut.
	ack := Segment{
		Tuple:  clientTuple,
		Ack:    clientSock.SndUNA + 1,
		Flags:  FlagACK,
		Window: 0,
	}
	_, _, err = client.HandleSegment(0, ack, 30)
	require.NoError(t, err)
	require.Zero(t, clientSock.SndWnd)

	probes := client.ZeroWindowProbeTick(0, time.Now().Add(time.Minute), time.Second)
	require.Len(t, probes, 1)
	require.Len(t, probes[0].Payload, 1)
	require.Equal(t, clientSock.SndUNA, probes[0].Seq)

	// Reopening the window disarms the probe clock.
	reopen := Segment{
		Tuple:  clientTuple,
		Ack:    clientSock.SndUNA + 1,
		Flags:  FlagACK,
		Window: 65535,
	}
	_, _, err = client.HandleSegment(0, reopen, 31)
	require.NoError(t, err)
	probes = client.ZeroWindowProbeTick(0, time.Now().Add(time.Hour), time.Second)
	require.Empty(t, probes)
}

func TestRetransmitTickResendsUnackedData(t *testing.T) {
	client, _, clientTuple, clientSock, _ := handshake(t)

	_, err := client.Send(0, clientTuple, []byte("payload"))
	require.NoError(t, err)

	deferred, reset := client.RetransmitTick(0, 1, func(*Socket) bool { return true })
	require.Empty(t, reset)
	require.Len(t, deferred, 1)
	require.Equal(t, 1, clientSock.RetransmitCount)
	require.Equal(t, clientSock.SndUNA, deferred[0].Seq)
}

func TestRetransmitTickResetsConnectionPastCap(t *testing.T) {
	client, _, clientTuple, clientSock, _ := handshake(t)

	_, err := client.Send(0, clientTuple, []byte("payload"))
	require.NoError(t, err)
	clientSock.RetransmitCount = RetransmitCap

	deferred, reset := client.RetransmitTick(0, 1, func(*Socket) bool { return true })
	require.Empty(t, deferred)
	require.Len(t, reset, 1)
	require.Equal(t, clientTuple, reset[0])

	_, ok := client.Lookup(clientTuple)
	require.False(t, ok)
}
