package socket

import (
	"net"
	"testing"
	"time"

	"github.com/nitrusio/nitrus/transport"
)

func TestListenerAcceptsAndEchoesData(t *testing.T) {
	ln := NewListener("127.0.0.1:0", nil)

	accepted := make(chan struct{}, 1)
	var receivedOnServer []byte
	ln.OnAccept = func(p transport.Pipe) {
		p.Events().Data.Subscribe(func(d []byte) { receivedOnServer = append(receivedOnServer, d...) })
		accepted <- struct{}{}
	}

	if err := ln.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted connection")
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(receivedOnServer) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if string(receivedOnServer) != "hello" {
		t.Fatalf("got %q", receivedOnServer)
	}
}

func TestConnPipeDialAndSend(t *testing.T) {
	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer serverLn.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := serverLn.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	p, err := DialTCP(serverLn.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer p.Disconnect()

	var serverConn net.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer serverConn.Close()

	var got []byte
	done := make(chan struct{})
	p.Events().Data.Subscribe(func(d []byte) {
		got = append(got, d...)
		if string(got) == "pong" {
			close(done)
		}
	})

	if err := p.Send([]byte("ping")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := serverConn.Read(buf); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("server got %q", buf)
	}

	if _, err := serverConn.Write([]byte("pong")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client never received pong")
	}
}

func TestConnPipeDisconnectNotifiesOnce(t *testing.T) {
	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer serverLn.Close()

	go func() {
		c, err := serverLn.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	p, err := DialTCP(serverLn.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	discCount := 0
	p.Events().Disconnected.Subscribe(func(error) { discCount++ })

	if err := p.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Disconnect(); err != nil {
		t.Fatalf("second disconnect should be a no-op, got %v", err)
	}
	if discCount != 1 {
		t.Fatalf("expected exactly one Disconnected notification, got %d", discCount)
	}
}
