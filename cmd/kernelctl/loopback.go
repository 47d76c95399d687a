package main

import "kernelcore/internal/tcpstack"

// loopbackTransport wires two in-process Stacks together, swapping
// local/remote on delivery so each side sees segments addressed from
// its own perspective, the same shape the package's own tests use for
// its loopback-style framing (§8 scenario 3).
type loopbackTransport struct {
	byIP map[tcpstack.IP]*tcpstack.Stack
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{byIP: make(map[tcpstack.IP]*tcpstack.Stack)}
}

func (lb *loopbackTransport) Send(quad tcpstack.Quad, hdr tcpstack.Header, payload []byte) {
	dst, ok := lb.byIP[quad.RemoteIP]
	if !ok {
		return
	}
	flipped := tcpstack.Quad{
		LocalIP: quad.RemoteIP, LocalPort: quad.RemotePort,
		RemoteIP: quad.LocalIP, RemotePort: quad.LocalPort,
	}
	go dst.Deliver(flipped, hdr, append([]byte(nil), payload...))
}
