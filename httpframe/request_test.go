package httpframe

import (
	"testing"

	"github.com/nitrusio/nitrus/transport"
)

type requestRecorder struct {
	started  []string
	headers  [][2]string
	content  [][]byte
	ended    int
	disc     int
	malformed []error
}

func newFramerWithRecorder() (*RequestFramer, *transport.MemoryPipe, *requestRecorder) {
	client, server := transport.NewMemoryPipePair()
	f := NewRequestFramer(server)
	r := &requestRecorder{}
	f.OnRequestStarted = func(method, path, protocol string) {
		r.started = append(r.started, method+" "+path+" "+protocol)
	}
	f.OnHeaderReceived = func(k, v string) { r.headers = append(r.headers, [2]string{k, v}) }
	f.OnContentReceived = func(c []byte) { r.content = append(r.content, append([]byte(nil), c...)) }
	f.OnRequestEnded = func() { r.ended++ }
	f.OnClientDisconnected = func() { r.disc++ }
	f.OnMalformed = func(err error) { r.malformed = append(r.malformed, err) }
	return f, client, r
}

func TestRequestFramerContentLengthBody(t *testing.T) {
	_, client, r := newFramerWithRecorder()

	req := "GET /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	if err := client.Send([]byte(req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.started) != 1 || r.started[0] != "GET /x HTTP/1.1" {
		t.Fatalf("got started %v", r.started)
	}
	if len(r.headers) != 2 || r.headers[0] != [2]string{"Host", "h"} || r.headers[1] != [2]string{"Content-Length", "5"} {
		t.Fatalf("got headers %v", r.headers)
	}
	if len(r.content) != 1 || string(r.content[0]) != "hello" {
		t.Fatalf("got content %v", r.content)
	}
	if r.ended != 1 {
		t.Fatalf("got ended %d", r.ended)
	}
}

func TestRequestFramerChunkedBodyMatchesLengthDelimited(t *testing.T) {
	_, client, r := newFramerWithRecorder()

	req := "GET /x HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	if err := client.Send([]byte(req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.started) != 1 {
		t.Fatalf("got started %v", r.started)
	}
	if len(r.content) != 1 || string(r.content[0]) != "hello" {
		t.Fatalf("got content %v", r.content)
	}
	if r.ended != 1 {
		t.Fatalf("got ended %d", r.ended)
	}
}

func TestRequestFramerByteAtATime(t *testing.T) {
	_, client, r := newFramerWithRecorder()

	req := []byte("POST /y HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc")
	for _, b := range req {
		if err := client.Send([]byte{b}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(r.started) != 1 || r.started[0] != "POST /y HTTP/1.1" {
		t.Fatalf("got started %v", r.started)
	}
	if len(r.content) != 1 || string(r.content[0]) != "abc" {
		t.Fatalf("got content %v", r.content)
	}
}

func TestRequestFramerZeroChunkOnlyEmitsOneRequestEnded(t *testing.T) {
	_, client, r := newFramerWithRecorder()

	req := "GET /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"
	if err := client.Send([]byte(req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.content) != 0 {
		t.Fatalf("expected no content, got %v", r.content)
	}
	if r.ended != 1 {
		t.Fatalf("expected exactly one RequestEnded, got %d", r.ended)
	}
}

func TestRequestFramerMalformedHeaderLineDisconnects(t *testing.T) {
	_, client, r := newFramerWithRecorder()

	req := "GET /x HTTP/1.1\r\nbadheader\r\n\r\n"
	if err := client.Send([]byte(req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.malformed) != 1 {
		t.Fatalf("expected one malformed error, got %v", r.malformed)
	}
	if r.disc != 1 {
		t.Fatalf("expected disconnect notification, got %d", r.disc)
	}
}

func TestRequestFramerPipelinedRequestsOnKeepAlive(t *testing.T) {
	_, client, r := newFramerWithRecorder()

	req := "GET /a HTTP/1.1\r\nContent-Length: 0\r\n\r\nGET /b HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	if err := client.Send([]byte(req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.started) != 2 || r.started[0] != "GET /a HTTP/1.1" || r.started[1] != "GET /b HTTP/1.1" {
		t.Fatalf("got started %v", r.started)
	}
	if r.ended != 2 {
		t.Fatalf("got ended %d", r.ended)
	}
}

func TestResponseWriterKeepAliveChunkedFraming(t *testing.T) {
	serverSide, client := transport.NewMemoryPipePair()
	f := NewRequestFramer(serverSide)

	var got []byte
	client.Events().Data.Subscribe(func(d []byte) { got = append(got, d...) })

	f.Writer().Begin("HTTP/1.1", 200, "OK").SendHeader("X", "y").Send([]byte("hi")).End()

	want := "HTTP/1.1 200 OK\r\nX: y\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nhi\r\n0\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResponseWriterConnectionCloseFraming(t *testing.T) {
	serverSide, clientSide := transport.NewMemoryPipePair()
	f := NewRequestFramer(serverSide)

	// Drive a request containing Connection: close so the writer picks
	// close framing.
	req := "GET /x HTTP/1.1\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	if err := clientSide.Send([]byte(req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []byte
	var disconnected bool
	clientSide.Events().Data.Subscribe(func(d []byte) { got = append(got, d...) })
	clientSide.Events().Disconnected.Subscribe(func(error) { disconnected = true })

	f.Writer().Begin("HTTP/1.1", 200, "OK").Send([]byte("hi")).End()

	want := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nhi"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !disconnected {
		t.Fatalf("expected connection-close response to disconnect")
	}
}
