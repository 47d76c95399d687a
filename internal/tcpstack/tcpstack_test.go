package tcpstack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback wires two Stacks together, swapping local/remote on
// delivery so each side sees segments addressed from its own
// perspective -- standing in for the IP layer in the "loopback-style
// framing" the spec's three-way-handshake scenario describes.
type loopback struct {
	byIP map[IP]*Stack
}

func (lb *loopback) Send(quad Quad, hdr Header, payload []byte) {
	dst, ok := lb.byIP[quad.RemoteIP]
	if !ok {
		return
	}
	flipped := Quad{LocalIP: quad.RemoteIP, LocalPort: quad.RemotePort, RemoteIP: quad.LocalIP, RemotePort: quad.LocalPort}
	go dst.Deliver(flipped, hdr, append([]byte(nil), payload...))
}

func newLoopbackPair(cfg Config) (*Stack, *Stack) {
	ipA := IP{10, 0, 0, 1}
	ipB := IP{10, 0, 0, 2}
	lb := &loopback{byIP: make(map[IP]*Stack)}
	a := NewStack(ipA, cfg, lb, 5*time.Millisecond)
	b := NewStack(ipB, cfg, lb, 5*time.Millisecond)
	lb.byIP[ipA] = a
	lb.byIP[ipB] = b
	return a, b
}

// TestThreeWayHandshakeAndDataTransfer implements §8 scenario 3.
func TestThreeWayHandshakeAndDataTransfer(t *testing.T) {
	cfg := DefaultConfig()
	a, b := newLoopbackPair(cfg)

	listener := b.Listen(80)

	connA, err := a.Connect(IP{10, 0, 0, 2}, 80)
	require.NoError(t, err)

	var quadB Quad
	select {
	case quadB = <-waitAccept(listener):
	case <-time.After(time.Second):
		t.Fatal("listener never yielded a quad")
	}

	require.Eventually(t, func() bool {
		return connA.State() == Established
	}, time.Second, 2*time.Millisecond)

	connB, ok := b.Lookup(quadB)
	require.True(t, ok)
	assert.Equal(t, Established, connB.State())

	n, err := connA.SendData([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var got []byte
	require.Eventually(t, func() bool {
		buf := make([]byte, 16)
		m := connB.RecvData(buf)
		if m > 0 {
			got = append(got, buf[:m]...)
		}
		return len(got) == 5
	}, 2*cfg.RetransmitDelay, 5*time.Millisecond)
	assert.Equal(t, "hello", string(got))
}

func waitAccept(l *Listener) <-chan Quad { return l.acceptQueue }

func TestSendDataInSynSentReturnsZeroWithoutQueuing(t *testing.T) {
	cfg := DefaultConfig()
	a, _ := newLoopbackPair(cfg)
	conn, err := a.Connect(IP{10, 0, 0, 2}, 9999)
	require.NoError(t, err)
	// No listener on the other end, so this stays in SynSent.
	n, err := conn.SendData([]byte("x"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetransmitCeilingReachesTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetransmitDelay = 5 * time.Millisecond
	cfg.RetransmitCeiling = 3
	a, _ := newLoopbackPair(cfg) // no peer answers -> handshake never completes, but
	_, err := a.Connect(IP{10, 0, 0, 2}, 12345)
	require.NoError(t, err)
	// The handshake itself has no retransmit wired in this simplified
	// model past SynSent, so drive an Established connection directly
	// to exercise the data retransmit ceiling instead.
	conn := newConnection(Quad{LocalIP: a.localIP, LocalPort: 1, RemoteIP: IP{9, 9, 9, 9}, RemotePort: 1}, cfg, discardTransport{})
	conn.nextTxSeq = 1
	conn.synSentSeqBase = 1
	conn.state = Established
	conn.startWorker(2 * time.Millisecond)
	defer conn.stopWorker()

	_, err = conn.SendData([]byte("unacked"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.State() == Timeout
	}, time.Second, 5*time.Millisecond)
}

type discardTransport struct{}

func (discardTransport) Send(Quad, Header, []byte) {}

// TestOutOfOrderSegmentsDeliverOnlyContiguousData exercises §4.7's
// "rx_buffer ... out-of-order insert supported, data only delivered in
// order" contract: a segment that lands past a gap must not surface
// gap bytes to RecvData until the gap is actually filled.
func TestOutOfOrderSegmentsDeliverOnlyContiguousData(t *testing.T) {
	cfg := DefaultConfig()
	conn := newConnection(Quad{LocalIP: IP{10, 0, 0, 1}, LocalPort: 1, RemoteIP: IP{10, 0, 0, 2}, RemotePort: 1}, cfg, discardTransport{})
	conn.state = Established
	conn.nextRxSeq = 100
	conn.rxBufferSeq = 100

	// Arrives out of order: seq 105 leaves a 5-byte gap at [100,105).
	conn.Deliver(Header{Seq: 105, Flags: FlagACK}, []byte("world"))

	buf := make([]byte, 16)
	n := conn.RecvData(buf)
	assert.Zero(t, n, "no contiguous data yet: gap at seq 100 is unfilled")

	// Gap-filling segment arrives; nextRxSeq should coalesce through
	// the whole buffered run, not just this segment's own length.
	conn.Deliver(Header{Seq: 100, Flags: FlagACK}, []byte("hello"))

	n = conn.RecvData(buf)
	require.Equal(t, 10, n)
	assert.Equal(t, "helloworld", string(buf[:n]))
}

func TestPortPoolAllocateReleaseWraps(t *testing.T) {
	p := NewPortPool(0xC000, 0xC002)
	p1, err := p.Allocate()
	require.NoError(t, err)
	p2, err := p.Allocate()
	require.NoError(t, err)
	p3, err := p.Allocate()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint16{0xC000, 0xC001, 0xC002}, []uint16{p1, p2, p3})

	_, err = p.Allocate()
	assert.Error(t, err)

	p.Release(p1)
	p4, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p4)
}

func TestChecksumRoundTrip(t *testing.T) {
	src := IP{192, 168, 0, 1}
	dst := IP{192, 168, 0, 2}
	hdr := Header{SrcPort: 1234, DstPort: 80, Seq: 1, Ack: 0, Flags: FlagSYN, Window: 1024}
	buf := hdr.Marshal()
	sum := Checksum(src, dst, buf[:])
	assert.NotZero(t, sum)
	assert.Equal(t, hdr, UnmarshalHeader(buf[:]))

	// A segment carrying its own checksum sums to zero on verification.
	hdr.Checksum = sum
	withSum := hdr.Marshal()
	assert.Zero(t, Checksum(src, dst, withSum[:]))
}
