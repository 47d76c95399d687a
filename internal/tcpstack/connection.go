package tcpstack

import (
	"sort"
	"sync"
	"time"

	"kernelcore/internal/kerrors"
	"kernelcore/internal/ksync"
)

// IP is a bare IPv4 address; the core only needs it as an opaque key.
type IP [4]byte

// Quad identifies a connection (§4.7).
type Quad struct {
	LocalIP    IP
	LocalPort  uint16
	RemoteIP   IP
	RemotePort uint16
}

// State is a connection's position in the §4.7 state machine.
type State int

const (
	SynSent State = iota
	Established
	FinWait1
	FinWait2
	Closing
	TimeWait
	CloseWait
	LastAck
	ForceClose
	Timeout
	Finished
)

func (s State) String() string {
	return [...]string{"SynSent", "Established", "FinWait1", "FinWait2", "Closing", "TimeWait", "CloseWait", "LastAck", "ForceClose", "Timeout", "Finished"}[s]
}

// Transport is how a Connection hands an outgoing segment to the
// network. A loopback-style test transport simply calls the peer
// Stack's Deliver directly; a real build would hand off to an IP
// layer.
type Transport interface {
	Send(quad Quad, hdr Header, payload []byte)
}

// Config bounds retransmit/Nagle/delayed-ack/MSS behavior (§4.7,
// wired from kconfig defaults).
type Config struct {
	MSS               int
	RetransmitCeiling int
	NagleDelay        time.Duration
	DelayedAckDelay   time.Duration
	RetransmitDelay   time.Duration
	TxWindow          int
	RxWindowMax       int
}

// DefaultConfig matches the spec's stated defaults (§6 glossary, §4.7).
func DefaultConfig() Config {
	return Config{
		MSS:               1400,
		RetransmitCeiling: 8,
		NagleDelay:        100 * time.Millisecond,
		DelayedAckDelay:   200 * time.Millisecond,
		RetransmitDelay:   200 * time.Millisecond,
		TxWindow:          64 * 1024,
		RxWindowMax:       64 * 1024,
	}
}

// Connection is a single TCP connection's full state (§4.7).
type Connection struct {
	quad      Quad
	cfg       Config
	transport Transport

	mu    sync.Mutex
	state State

	// synSentSeqBase is the sequence number this side's SYN carried
	// (next_tx_seq is synSentSeqBase+1 once SynSent is exited), used by
	// the §8 invariant relating next_tx_seq to bytes sent.
	synSentSeqBase uint32
	nextTxSeq      uint32
	sentBytes      int // bytes of txBuf already transmitted (ACKed or in flight)
	ackedBytes     int // bytes of txBuf the peer has ACKed
	txBuf          []byte
	forceTx        bool

	nextRxSeq   uint32
	rxBufferSeq uint32
	rxBuf       []byte
	// rxSegments tracks received-but-not-yet-contiguous byte ranges
	// (absolute seq [lo,hi)), sorted and non-overlapping, so an
	// out-of-order segment that fills a gap can coalesce nextRxSeq
	// forward through any run it completes (§4.7).
	rxSegments [][2]uint32

	attempts int

	nagleTimer       time.Time
	nagleArmed       bool
	delayedAckTimer  time.Time
	delayedAckArmed  bool
	retransmitTimer  time.Time
	retransmitArmed  bool
	pendingAck       bool

	completion ksync.EventChannel
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func newConnection(quad Quad, cfg Config, transport Transport) *Connection {
	return &Connection{quad: quad, cfg: cfg, transport: transport}
}

// State reports the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitTerminal blocks until the connection reaches a terminal state
// (Timeout/Finished/ForceClose).
func (c *Connection) WaitTerminal() {
	c.completion.Sleep()
}

func (c *Connection) isTerminal() bool {
	switch c.state {
	case ForceClose, Timeout, Finished:
		return true
	default:
		return false
	}
}

func (c *Connection) enter(s State) {
	c.state = s
	if c.isTerminal() {
		c.completion.Latch()
	}
}

// startWorker launches the per-connection TX worker goroutine that
// drives the transmit pipeline of §4.7 at a fixed service interval.
func (c *Connection) startWorker(tick time.Duration) {
	c.stopCh = make(chan struct{})
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-t.C:
				c.mu.Lock()
				done := c.isTerminal()
				if !done {
					c.serviceTX()
				}
				c.mu.Unlock()
				if done {
					return
				}
			}
		}
	}()
}

func (c *Connection) stopWorker() {
	c.stopOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
		}
	})
}

// serviceTX implements the §4.7 transmit pipeline; caller holds mu.
func (c *Connection) serviceTX() {
	now := time.Now()

	if c.retransmitArmed && now.After(c.retransmitTimer) {
		c.attempts++
		if c.attempts >= c.cfg.RetransmitCeiling {
			c.enter(Timeout)
			return
		}
		c.retransmit(now)
		return
	}

	if c.forceTx || (c.nagleArmed && now.After(c.nagleTimer)) {
		c.transmitSegment(now)
		return
	}

	if c.pendingAck && c.delayedAckArmed && now.After(c.delayedAckTimer) {
		c.sendAck()
		c.pendingAck = false
		c.delayedAckArmed = false
	}
}

func (c *Connection) retransmit(now time.Time) {
	unacked := c.txBuf[c.ackedBytes:c.sentBytes]
	if len(unacked) > c.cfg.MSS {
		unacked = unacked[:c.cfg.MSS]
	}
	seq := c.synSentSeqBase + uint32(1) + uint32(c.ackedBytes)
	c.sendData(seq, unacked, FlagACK|FlagPSH)
	c.retransmitTimer = now.Add(c.cfg.RetransmitDelay)
}

func (c *Connection) transmitSegment(now time.Time) {
	unsent := c.txBuf[c.sentBytes:]
	if len(unsent) == 0 {
		c.forceTx = false
		c.nagleArmed = false
		return
	}
	n := len(unsent)
	if n > c.cfg.MSS {
		n = c.cfg.MSS
	}
	seq := c.synSentSeqBase + 1 + uint32(c.sentBytes)
	c.sendData(seq, unsent[:n], FlagACK|FlagPSH)
	c.sentBytes += n
	c.forceTx = false
	c.nagleArmed = false
	if !c.retransmitArmed {
		c.retransmitArmed = true
		c.retransmitTimer = now.Add(c.cfg.RetransmitDelay)
	}
}

func (c *Connection) sendData(seq uint32, payload []byte, flags uint8) {
	hdr := Header{SrcPort: c.quad.LocalPort, DstPort: c.quad.RemotePort, Seq: seq, Ack: c.nextRxSeq, Flags: flags, Window: uint16(c.cfg.RxWindowMax)}
	c.transport.Send(c.quad, hdr, payload)
}

func (c *Connection) sendAck() {
	c.sendData(c.nextTxSeq, nil, FlagACK)
}

func (c *Connection) sendSyn(ackFlag bool) {
	flags := FlagSYN
	if ackFlag {
		flags |= FlagACK
	}
	c.sendData(c.nextTxSeq, nil, flags)
}

func (c *Connection) sendRst() {
	c.sendData(c.nextTxSeq, nil, FlagRST)
}

func (c *Connection) sendFin() {
	c.sendData(c.synSentSeqBase+1+uint32(c.sentBytes), nil, FlagFIN|FlagACK)
}

// SendData appends payload to the tx buffer, bounded by the
// configured tx window, and arms immediate transmission or the Nagle
// timer per §4.7. Returns the number of bytes accepted. In SynSent,
// returns (0, nil) without queuing (§8 boundary).
func (c *Connection) SendData(payload []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == SynSent {
		return 0, nil
	}
	if c.isTerminal() {
		return 0, kerrors.NewConnError(kerrors.ConnLocalClosed)
	}

	room := c.cfg.TxWindow - (len(c.txBuf) - c.ackedBytes)
	if room <= 0 {
		return 0, nil
	}
	n := len(payload)
	if n > room {
		n = room
	}
	wasEmpty := c.sentBytes == len(c.txBuf)
	c.txBuf = append(c.txBuf, payload[:n]...)

	backlog := len(c.txBuf) - c.sentBytes
	if wasEmpty || backlog >= c.cfg.MSS {
		c.forceTx = true
	} else if !c.nagleArmed {
		c.nagleArmed = true
		c.nagleTimer = time.Now().Add(c.cfg.NagleDelay)
	}
	return n, nil
}

// RecvData copies up to len(buf) bytes from the rx buffer starting at
// its current head, advancing rxBufferSeq by the bytes taken. Delivery
// never crosses nextRxSeq: bytes buffered out of order past a gap are
// not yet in-order data and stay held until the gap closes (§4.7).
func (c *Connection) RecvData(buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	avail := int(c.nextRxSeq - c.rxBufferSeq)
	if avail > len(c.rxBuf) {
		avail = len(c.rxBuf)
	}
	if avail < 0 {
		avail = 0
	}
	n := copy(buf, c.rxBuf[:avail])
	c.rxBuf = c.rxBuf[n:]
	c.rxBufferSeq += uint32(n)
	return n
}

// Deliver processes an inbound segment against the state machine
// (§4.7 abbreviated transitions).
func (c *Connection) Deliver(hdr Header, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hdr.Flags&FlagRST != 0 {
		c.enter(ForceClose)
		return
	}

	switch c.state {
	case SynSent:
		if hdr.Flags&FlagSYN != 0 && hdr.Flags&FlagACK != 0 {
			c.nextRxSeq = hdr.Seq + 1
			c.rxBufferSeq = c.nextRxSeq
			c.nextTxSeq = c.synSentSeqBase + 1
			c.sendAck()
			c.enter(Established)
		}
		// plain SYN (simultaneous open): stay, per §4.7.
	case Established:
		c.handleEstablishedPayload(hdr, payload)
		if hdr.Flags&FlagFIN != 0 {
			c.nextRxSeq++
			c.sendAck()
			c.enter(CloseWait)
		}
	case FinWait1:
		switch {
		case hdr.Flags&FlagFIN != 0 && hdr.Flags&FlagACK != 0:
			c.nextRxSeq++
			c.sendAck()
			c.enter(TimeWait)
		case hdr.Flags&FlagFIN != 0:
			c.nextRxSeq++
			c.sendAck()
			c.enter(Closing)
		case hdr.Flags&FlagACK != 0:
			c.ackedBytes = int(hdr.Ack) - int(c.synSentSeqBase) - 1
			c.enter(FinWait2)
		}
	case FinWait2:
		if hdr.Flags&FlagFIN != 0 {
			c.nextRxSeq++
			c.sendAck()
			c.enter(TimeWait)
		}
	case Closing:
		if hdr.Flags&FlagACK != 0 {
			c.enter(TimeWait)
		}
	case LastAck:
		if hdr.Flags&FlagACK != 0 {
			c.enter(Finished)
		}
	case CloseWait, TimeWait, Finished, ForceClose, Timeout:
		// no further transitions accepted.
	}
}

func (c *Connection) handleEstablishedPayload(hdr Header, payload []byte) {
	if hdr.Flags&FlagACK != 0 {
		acked := int(hdr.Ack) - int(c.synSentSeqBase) - 1
		if acked > c.ackedBytes {
			c.ackedBytes = acked
			c.retransmitArmed = c.ackedBytes < c.sentBytes
			c.attempts = 0
		}
	}
	if len(payload) == 0 {
		return
	}
	relOff := int(hdr.Seq) - int(c.rxBufferSeq)
	if relOff < 0 {
		return // fully-duplicate, already consumed
	}
	end := relOff + len(payload)
	if end > len(c.rxBuf) {
		grown := make([]byte, end)
		copy(grown, c.rxBuf)
		c.rxBuf = grown
	}
	copy(c.rxBuf[relOff:], payload)
	c.mergeRxSegment(hdr.Seq, hdr.Seq+uint32(len(payload)))

	halfWindow := c.cfg.RxWindowMax / 2
	if len(c.rxBuf) >= halfWindow {
		c.sendAck()
		c.pendingAck = false
	} else {
		c.pendingAck = true
		if !c.delayedAckArmed {
			c.delayedAckArmed = true
			c.delayedAckTimer = time.Now().Add(c.cfg.DelayedAckDelay)
		}
	}
}

// mergeRxSegment records the just-written [lo, hi) byte range as
// received, merges it with any overlapping or adjacent previously
// buffered out-of-order ranges, and advances nextRxSeq through any
// merged range that now runs contiguously from it. A range still
// separated from nextRxSeq by a gap stays parked in rxSegments.
func (c *Connection) mergeRxSegment(lo, hi uint32) {
	segs := append(c.rxSegments, [2]uint32{lo, hi})
	sort.Slice(segs, func(i, j int) bool { return segs[i][0] < segs[j][0] })

	merged := segs[:0]
	for _, s := range segs {
		if len(merged) > 0 && s[0] <= merged[len(merged)-1][1] {
			if s[1] > merged[len(merged)-1][1] {
				merged[len(merged)-1][1] = s[1]
			}
			continue
		}
		merged = append(merged, s)
	}

	kept := merged[:0]
	for _, s := range merged {
		if s[0] <= c.nextRxSeq && s[1] > c.nextRxSeq {
			c.nextRxSeq = s[1]
			continue
		}
		kept = append(kept, s)
	}
	c.rxSegments = kept
}

// Close initiates the user-driven half of the close handshake (§4.7):
// from Established this sends FIN and enters FinWait1; from CloseWait
// it sends FIN and enters LastAck.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Established:
		c.sendFin()
		c.enter(FinWait1)
	case CloseWait:
		c.sendFin()
		c.enter(LastAck)
	}
}
