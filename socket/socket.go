// Package socket implements transport.Pipe over real TCP and TLS
// connections: a deadline-polling read loop publishing Data events, and
// a Listener accepting connections on a goroutine of its own, following
// the same stop-channel shutdown discipline the teacher's TCPCL listener
// and connection handlers use.
package socket

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nitrusio/nitrus/transport"
)

const readDeadline = 50 * time.Millisecond

// ConnPipe adapts a net.Conn to transport.Pipe, running its own read
// loop on a dedicated goroutine.
type ConnPipe struct {
	conn   net.Conn
	events transport.Events

	stopSyn chan struct{}
	stopAck chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewConnPipe wraps conn and starts its read loop.
func NewConnPipe(conn net.Conn) *ConnPipe {
	p := &ConnPipe{
		conn:    conn,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// DialTCP opens a plain TCP connection and wraps it as a transport.Pipe.
func DialTCP(address string, timeout time.Duration) (*ConnPipe, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	return NewConnPipe(conn), nil
}

// DialTLS opens a TLS connection over TCP and wraps it as a
// transport.Pipe. socket only dials TLS through crypto/tls; it
// implements no part of the protocol itself.
func DialTLS(address string, timeout time.Duration, config *tls.Config) (*ConnPipe, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", address, config)
	if err != nil {
		return nil, err
	}
	return NewConnPipe(conn), nil
}

func (p *ConnPipe) readLoop() {
	defer close(p.stopAck)

	buf := make([]byte, 4096)
	for {
		select {
		case <-p.stopSyn:
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			p.fail(err)
			return
		}

		n, err := p.conn.Read(buf)
		if n > 0 {
			p.events.Data.Emit(append([]byte(nil), buf[:n]...))
		}
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}
		p.fail(err)
		return
	}
}

// fail and Disconnect race to be the one that actually tears the pipe
// down: fail runs on the read-loop goroutine on a read error, Disconnect
// on the owning caller's goroutine. The mutex guards only the closed
// transition, so at most one of them proceeds past it — the loser
// returns immediately, never touching conn.Close or emitting
// Disconnected a second time.
func (p *ConnPipe) fail(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.conn.Close()
	p.events.Disconnected.Emit(err)
}

// Send writes data to the underlying connection.
func (p *ConnPipe) Send(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	_, err := p.conn.Write(data)
	return err
}

// Disconnect closes the underlying connection and stops the read loop.
func (p *ConnPipe) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopSyn)
	<-p.stopAck
	err := p.conn.Close()
	p.events.Disconnected.Emit(err)
	return err
}

// Events returns the pipe's event sources.
func (p *ConnPipe) Events() *transport.Events { return &p.events }

// Listener accepts incoming TCP (optionally TLS) connections and hands
// each one to OnAccept as a transport.Pipe.
type Listener struct {
	address   string
	tlsConf   *tls.Config
	boundAddr net.Addr

	OnAccept func(pipe transport.Pipe)

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewListener constructs a Listener bound to address. If tlsConf is
// non-nil, accepted connections are TLS-wrapped server-side.
func NewListener(address string, tlsConf *tls.Config) *Listener {
	return &Listener{
		address: address,
		tlsConf: tlsConf,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections on a
// dedicated goroutine.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}
	l.boundAddr = ln.Addr()
	if l.tlsConf != nil {
		ln = tls.NewListener(ln, l.tlsConf)
	}

	go func() {
		defer close(l.stopAck)
		for {
			select {
			case <-l.stopSyn:
				_ = ln.Close()
				return
			default:
			}

			type deadliner interface{ SetDeadline(time.Time) error }
			if d, ok := ln.(deadliner); ok {
				if err := d.SetDeadline(time.Now().Add(readDeadline)); err != nil {
					log.WithError(err).WithField("listener", l).Warn("failed to set accept deadline")
					_ = ln.Close()
					return
				}
			}

			conn, err := ln.Accept()
			if err != nil {
				continue
			}
			if l.OnAccept != nil {
				l.OnAccept(NewConnPipe(conn))
			}
		}
	}()

	return nil
}

// Addr returns the address the listener is bound to, valid after Start.
func (l *Listener) Addr() net.Addr { return l.boundAddr }

// Close stops accepting new connections.
func (l *Listener) Close() {
	close(l.stopSyn)
	<-l.stopAck
}

func (l Listener) String() string {
	return fmt.Sprintf("socket://%s", l.address)
}
