package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ProbeResult classifies one reachability attempt.
type ProbeResult int

const (
	// Reachable means the host answered.
	Reachable ProbeResult = iota
	// Unreachable means the network definitively reported the host
	// down (no route, host unreachable).
	Unreachable
	// TimedOut means no answer arrived in time. Not evidence of
	// absence.
	TimedOut
)

// Prober checks whether an address is currently on the network.
// Implementations must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, ip string) (ProbeResult, error)
}

// TCPProber probes by dialing a TCP port. A completed handshake or a
// connection refused both prove the host is up; phones rarely listen
// on the probed port but their stack still answers with a reset.
type TCPProber struct {
	// Port to dial (default 80).
	Port int
	// Timeout per dial attempt (default 5s).
	Timeout time.Duration
}

// Probe dials ip:port once and classifies the outcome.
func (p *TCPProber) Probe(ctx context.Context, ip string) (ProbeResult, error) {
	port := p.Port
	if port <= 0 {
		port = 80
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err == nil {
		conn.Close()
		return Reachable, nil
	}

	// A refused connection is an answer: the host is there.
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Reachable, nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimedOut, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut, nil
	}

	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return Unreachable, nil
	}

	// Anything else (DNS trouble, interface down) is reported but not
	// interpreted as absence.
	return TimedOut, err
}
