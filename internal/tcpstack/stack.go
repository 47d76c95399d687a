package tcpstack

import (
	"sync"
	"time"

	"kernelcore/internal/kerrors"
)

// protoConnection is the half-open state created by an inbound SYN,
// promoted to a full Connection once the handshake's final ACK
// arrives (§4.7).
type protoConnection struct {
	quad     Quad
	seenSeq  uint32
	sentSeq  uint32
}

// Listener accepts inbound connections on a local port (§4.7).
type Listener struct {
	quad        Quad // RemoteIP/RemotePort zero-valued: matches any peer
	acceptQueue chan Quad
	protos      map[Quad]*protoConnection
	mu          sync.Mutex
}

// Accept blocks until a promoted connection's quad is available.
func (l *Listener) Accept() Quad { return <-l.acceptQueue }

// Stack owns the connection table, listeners, and port pool for one
// simulated host (§4.7, §9 "global mutable state ... port pools").
type Stack struct {
	localIP   IP
	cfg       Config
	transport Transport
	ports     *PortPool
	tickRate  time.Duration

	mu        sync.Mutex
	conns     map[Quad]*Connection
	listeners map[uint16]*Listener
}

// NewStack constructs a stack bound to localIP, sending segments
// through transport and servicing connection TX pipelines every
// tickRate.
func NewStack(localIP IP, cfg Config, transport Transport, tickRate time.Duration) *Stack {
	return &Stack{
		localIP:   localIP,
		cfg:       cfg,
		transport: transport,
		ports:     NewPortPool(0xC000, 0xFFFF),
		tickRate:  tickRate,
		conns:     make(map[Quad]*Connection),
		listeners: make(map[uint16]*Listener),
	}
}

// Listen registers a listener on localPort.
func (s *Stack) Listen(localPort uint16) *Listener {
	l := &Listener{
		quad:        Quad{LocalIP: s.localIP, LocalPort: localPort},
		acceptQueue: make(chan Quad, 16), // AcceptQueueDefault
		protos:      make(map[Quad]*protoConnection),
	}
	s.mu.Lock()
	s.listeners[localPort] = l
	s.mu.Unlock()
	return l
}

// Connect performs the active-open half of the handshake: allocates a
// local port, sends SYN, and enters SynSent (§4.7).
func (s *Stack) Connect(remoteIP IP, remotePort uint16) (*Connection, error) {
	localPort, err := s.ports.Allocate()
	if err != nil {
		return nil, err
	}
	quad := Quad{LocalIP: s.localIP, LocalPort: localPort, RemoteIP: remoteIP, RemotePort: remotePort}
	c := newConnection(quad, s.cfg, s.transport)
	c.nextTxSeq = 1
	c.synSentSeqBase = 1
	c.state = SynSent

	s.mu.Lock()
	s.conns[quad] = c
	s.mu.Unlock()

	c.sendSyn(false)
	c.startWorker(s.tickRate)
	return c, nil
}

// Deliver routes an inbound segment to its connection, an in-progress
// proto-connection, or a listener's SYN handling.
func (s *Stack) Deliver(quad Quad, hdr Header, payload []byte) {
	s.mu.Lock()
	conn, ok := s.conns[quad]
	s.mu.Unlock()
	if ok {
		conn.Deliver(hdr, payload)
		return
	}

	s.mu.Lock()
	l, ok := s.listeners[quad.LocalPort]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.handleListenerSegment(l, quad, hdr)
}

func (s *Stack) handleListenerSegment(l *Listener, quad Quad, hdr Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hdr.Flags&FlagSYN != 0 && hdr.Flags&FlagACK == 0 {
		if len(l.acceptQueue) == cap(l.acceptQueue) {
			s.transport.Send(quad, Header{SrcPort: quad.LocalPort, DstPort: quad.RemotePort, Flags: FlagRST}, nil)
			return
		}
		pc := &protoConnection{quad: quad, seenSeq: hdr.Seq + 1, sentSeq: 1}
		l.protos[quad] = pc
		s.transport.Send(quad, Header{SrcPort: quad.LocalPort, DstPort: quad.RemotePort, Seq: pc.sentSeq, Ack: pc.seenSeq, Flags: FlagSYN | FlagACK}, nil)
		return
	}

	if hdr.Flags&FlagACK != 0 {
		pc, ok := l.protos[quad]
		if !ok {
			return
		}
		delete(l.protos, quad)

		c := newConnection(quad, s.cfg, s.transport)
		c.nextTxSeq = pc.sentSeq + 1
		c.synSentSeqBase = pc.sentSeq
		c.nextRxSeq = pc.seenSeq
		c.rxBufferSeq = pc.seenSeq
		c.state = Established

		s.mu.Lock()
		s.conns[quad] = c
		s.mu.Unlock()
		c.startWorker(s.tickRate)

		select {
		case l.acceptQueue <- quad:
		default:
		}
	}
}

// Lookup returns the established connection for quad, if any.
func (s *Stack) Lookup(quad Quad) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[quad]
	return c, ok
}

// Close releases quad's connection, stopping its worker and returning
// its local port to the pool.
func (s *Stack) Close(quad Quad) error {
	s.mu.Lock()
	c, ok := s.conns[quad]
	if ok {
		delete(s.conns, quad)
	}
	s.mu.Unlock()
	if !ok {
		return kerrors.ErrFileNotFound
	}
	c.stopWorker()
	s.ports.Release(quad.LocalPort)
	return nil
}
