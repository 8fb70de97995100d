package httpframe

import (
	"fmt"

	"github.com/nitrusio/nitrus/hsm"
	"github.com/nitrusio/nitrus/transport"
)

// Read-side states. The source models the "has Connection: close been
// observed" distinction as two parallel families of every read state;
// reading itself never actually behaves differently between the two
// (only the response family's framing choice and the post-request cycle
// target do), so per the composition-over-taxonomy design note this
// collapses into a single state set gated by the connectionClose field,
// rather than two mechanically duplicated state sets with identical
// entry actions.
const (
	rActionLine   hsm.State = "ActionLine"
	rHeaderLine   hsm.State = "HeaderLine"
	rLengthBody   hsm.State = "LengthBody"
	rChunkSize    hsm.State = "ChunkSize"
	rChunk        hsm.State = "Chunk"
	rChunkTrailer hsm.State = "ChunkTrailer"
	rEndOfRequest hsm.State = "EndOfRequest"
	rReadDone     hsm.State = "ReadDone"
)

const (
	trStarted       hsm.Trigger = "started"
	trHeaderMore    hsm.Trigger = "header-more"
	trHeadersDone   hsm.Trigger = "headers-done"
	trBodyByte      hsm.Trigger = "body-byte"
	trBodyDone      hsm.Trigger = "body-done"
	trZeroChunk     hsm.Trigger = "zero-chunk"
	trChunkSized    hsm.Trigger = "chunk-sized"
	trChunkConsumed hsm.Trigger = "chunk-consumed"
	trTrailerDone   hsm.Trigger = "trailer-done"
	trEnded         hsm.Trigger = "ended"
	trNextRequest   hsm.Trigger = "next-request"
	rContinue       hsm.Trigger = "continue"
)

// Write-side states for ResponseWriter.
const (
	wIdle    hsm.State = "ResponseIdle"
	wHeaders hsm.State = "ResponseHeaders"
	wBody    hsm.State = "ResponseBody"
	wDone    hsm.State = "ResponseDone"
)

const (
	trBegin     hsm.Trigger = "begin"
	trHeader    hsm.Trigger = "header"
	trFirstSend hsm.Trigger = "first-send"
	trSend      hsm.Trigger = "send"
	trEnd       hsm.Trigger = "end"
)

// RequestFramer reads HTTP/1.1 requests off a transport.Pipe and exposes
// a paired ResponseWriter for replying. One RequestFramer handles
// however many requests arrive on its pipe, pipelined or not, until
// either side closes the connection.
type RequestFramer struct {
	pipe transport.Pipe
	buf  []byte

	read  *hsm.Machine
	write *hsm.Machine

	connectionClose bool
	chunked         bool
	remaining       int

	OnRequestStarted      func(method, path, protocol string)
	OnHeaderReceived      func(key, value string)
	OnContentReceived     func(chunk []byte)
	OnRequestEnded        func()
	OnClientDisconnected  func()
	OnMalformed           func(error)
}

// MalformedRequestError reports a request line without two spaces, a
// header line with no ':', or a chunk-size line that is not hex — the
// defects this framer treats as fatal for the connection.
type MalformedRequestError struct{ Line string }

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("httpframe: malformed header line %q", e.Line)
}

// NewRequestFramer constructs a framer reading from and writing to pipe.
func NewRequestFramer(pipe transport.Pipe) *RequestFramer {
	f := &RequestFramer{pipe: pipe}
	f.configureRead()
	f.configureWrite()
	pipe.Events().Data.Subscribe(f.onData)
	pipe.Events().Disconnected.Subscribe(f.onDisconnected)
	return f
}

func (f *RequestFramer) onData(data []byte) {
	f.buf = append(f.buf, data...)
	_ = f.read.Fire(rContinue)
}

func (f *RequestFramer) onDisconnected(error) {
	if f.OnClientDisconnected != nil {
		f.OnClientDisconnected()
	}
}

func (f *RequestFramer) consume(n int) { f.buf = f.buf[n:] }

func (f *RequestFramer) fire(t hsm.Trigger) {
	if err := f.read.Fire(t); err != nil {
		panic(err)
	}
}

func (f *RequestFramer) fail(err error) {
	if f.OnMalformed != nil {
		f.OnMalformed(err)
	}
	_ = f.pipe.Disconnect()
}

func (f *RequestFramer) configureRead() {
	f.read = hsm.New(rActionLine)
	m := f.read
	loop := func(s hsm.State) *hsm.StateConfig { return m.Configure(s).Permit(rContinue, s) }

	loop(rActionLine).
		Permit(trStarted, rHeaderLine).
		OnEntry(f.enterActionLine)

	loop(rHeaderLine).
		Permit(trHeaderMore, rHeaderLine).
		Permit(trHeadersDone, rLengthBody, func() bool { return !f.chunked && f.remaining > 0 }).
		Permit(trHeadersDone, rChunkSize, func() bool { return f.chunked }).
		Permit(trHeadersDone, rEndOfRequest, func() bool { return !f.chunked && f.remaining == 0 }).
		OnEntry(f.enterHeaderLine)

	loop(rLengthBody).
		Permit(trBodyByte, rLengthBody).
		Permit(trBodyDone, rEndOfRequest).
		OnEntry(f.enterLengthBody)

	loop(rChunkSize).
		Permit(trChunkSized, rChunk).
		Permit(trZeroChunk, rChunkTrailer).
		OnEntry(f.enterChunkSize)

	loop(rChunk).
		Permit(trChunkConsumed, rChunkSize).
		OnEntry(f.enterChunk)

	loop(rChunkTrailer).
		Permit(trTrailerDone, rEndOfRequest).
		OnEntry(f.enterChunkTrailer)

	loop(rEndOfRequest).
		Permit(trNextRequest, rActionLine, func() bool { return !f.connectionClose }).
		Permit(trNextRequest, rReadDone, func() bool { return f.connectionClose }).
		OnEntry(f.enterEndOfRequest)

	m.Configure(rReadDone)
}

func (f *RequestFramer) enterActionLine() {
	line, ok := f.readLine()
	if !ok {
		return
	}
	method, path, protocol, ok := splitFirstLine(line)
	if !ok {
		f.fail(&MalformedRequestError{Line: line})
		return
	}
	if f.OnRequestStarted != nil {
		f.OnRequestStarted(method, path, protocol)
	}
	f.fire(trStarted)
}

func (f *RequestFramer) readLine() (string, bool) {
	idx := indexCRLF(f.buf)
	if idx < 0 {
		return "", false
	}
	line := string(f.buf[:idx])
	f.consume(idx + 2)
	return line, true
}

func (f *RequestFramer) enterHeaderLine() {
	line, ok := f.readLine()
	if !ok {
		return
	}
	if line == "" {
		f.fire(trHeadersDone)
		return
	}
	key, value, ok := splitHeaderLine(line)
	if !ok {
		f.fail(&MalformedRequestError{Line: line})
		return
	}
	applyHeaderDirective(lowerASCII(key), value, &f.chunked, &f.remaining, &f.connectionClose)
	if f.OnHeaderReceived != nil {
		f.OnHeaderReceived(key, value)
	}
	f.fire(trHeaderMore)
}

func (f *RequestFramer) enterLengthBody() {
	if len(f.buf) < 1 {
		return
	}
	n := f.remaining
	if n > len(f.buf) {
		n = len(f.buf)
	}
	chunk := f.buf[:n]
	f.consume(n)
	f.remaining -= n
	if f.OnContentReceived != nil {
		f.OnContentReceived(chunk)
	}
	if f.remaining == 0 {
		f.fire(trBodyDone)
		return
	}
	f.fire(trBodyByte)
}

func (f *RequestFramer) enterChunkSize() {
	line, ok := f.readLine()
	if !ok {
		return
	}
	n, err := parseHexSize(line)
	if err != nil {
		f.fail(&MalformedRequestError{Line: line})
		return
	}
	if n == 0 {
		f.fire(trZeroChunk)
		return
	}
	f.remaining = n
	f.fire(trChunkSized)
}

func (f *RequestFramer) enterChunk() {
	if len(f.buf) < f.remaining+2 {
		return
	}
	chunk := f.buf[:f.remaining]
	f.consume(f.remaining + 2)
	if f.OnContentReceived != nil {
		f.OnContentReceived(chunk)
	}
	f.fire(trChunkConsumed)
}

func (f *RequestFramer) enterChunkTrailer() {
	if len(f.buf) < 2 {
		return
	}
	f.consume(2)
	f.fire(trTrailerDone)
}

func (f *RequestFramer) enterEndOfRequest() {
	if f.OnRequestEnded != nil {
		f.OnRequestEnded()
	}
	f.chunked = false
	f.remaining = 0
	f.fire(trNextRequest)
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func applyHeaderDirective(lowerKey, value string, chunked *bool, remaining *int, connectionClose *bool) {
	switch lowerKey {
	case "transfer-encoding":
		if lowerASCII(value) == "chunked" {
			*chunked = true
		}
	case "content-length":
		if n, err := parseContentLength(value); err == nil {
			*remaining = n
		}
	case "connection":
		if lowerASCII(value) == "close" {
			*connectionClose = true
		}
	}
}

func parseContentLength(value string) (int, error) {
	n := 0
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("httpframe: invalid content-length %q", value)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// ResponseWriter is the fluent writer RequestFramer.Writer returns for
// replying to the request currently being (or just finished being)
// read. Begin/SendHeader/Send/End mirror spec-described triggers
// ResponseBegin/ResponseHeader/ResponseLastHeader.
type ResponseWriter struct {
	pipe            transport.Pipe
	machine         *hsm.Machine
	connectionClose *bool
}

func (f *RequestFramer) configureWrite() {
	f.write = hsm.New(wIdle)
	m := f.write

	m.Configure(wIdle).Permit(trBegin, wHeaders)
	m.Configure(wHeaders).
		Permit(trHeader, wHeaders).
		Permit(trFirstSend, wBody).
		Permit(trEnd, wIdle, func() bool { return !f.connectionClose }).
		Permit(trEnd, wDone, func() bool { return f.connectionClose })
	m.Configure(wBody).
		Permit(trSend, wBody).
		Permit(trEnd, wIdle, func() bool { return !f.connectionClose }).
		Permit(trEnd, wDone, func() bool { return f.connectionClose })
	m.Configure(wDone)
}

// Writer returns the fluent response writer for this connection.
func (f *RequestFramer) Writer() *ResponseWriter {
	return &ResponseWriter{pipe: f.pipe, machine: f.write, connectionClose: &f.connectionClose}
}

func (w *ResponseWriter) tryFire(t hsm.Trigger) bool {
	return w.machine.Fire(t) == nil
}

// Begin writes the status line and arms the writer for headers.
func (w *ResponseWriter) Begin(protocol string, code int, phrase string) *ResponseWriter {
	if !w.tryFire(trBegin) {
		return w
	}
	_ = w.pipe.Send([]byte(fmt.Sprintf("%s %d %s\r\n", protocol, code, phrase)))
	return w
}

// SendHeader writes one "key: value" header line.
func (w *ResponseWriter) SendHeader(key, value string) *ResponseWriter {
	if !w.tryFire(trHeader) {
		return w
	}
	_ = w.pipe.Send([]byte(fmt.Sprintf("%s: %s\r\n", key, value)))
	return w
}

// Send writes a body chunk. The first call also writes the last header
// line (Transfer-Encoding: chunked for a keep-alive connection,
// Connection: close otherwise) and everything after is framed to match.
func (w *ResponseWriter) Send(data []byte) *ResponseWriter {
	switch w.machine.State() {
	case wHeaders:
		if !w.tryFire(trFirstSend) {
			return w
		}
		if *w.connectionClose {
			_ = w.pipe.Send([]byte("Connection: close\r\n\r\n"))
		} else {
			_ = w.pipe.Send([]byte("Transfer-Encoding: chunked\r\n\r\n"))
		}
	case wBody:
		if !w.tryFire(trSend) {
			return w
		}
	default:
		return w
	}
	if *w.connectionClose {
		_ = w.pipe.Send(data)
	} else {
		_ = w.pipe.Send(writeChunk(data))
	}
	return w
}

// End terminates the response. On a keep-alive connection it writes the
// zero-size terminator chunk (arming the writer for the next Begin); on
// a connection-close response it is a no-op for the body terminator and
// instead disconnects the transport. Calls after End on a
// connection-close response are ignored.
func (w *ResponseWriter) End() *ResponseWriter {
	state := w.machine.State()
	if state != wHeaders && state != wBody {
		return w
	}
	wasHeadersOnly := state == wHeaders
	close := *w.connectionClose

	if !w.tryFire(trEnd) {
		return w
	}

	switch {
	case !close && wasHeadersOnly:
		_ = w.pipe.Send([]byte("Transfer-Encoding: chunked\r\n\r\n0\r\n\r\n"))
	case !close:
		_ = w.pipe.Send([]byte("0\r\n\r\n"))
	case close && wasHeadersOnly:
		_ = w.pipe.Send([]byte("Connection: close\r\n\r\n"))
		_ = w.pipe.Disconnect()
	default:
		_ = w.pipe.Disconnect()
	}
	return w
}
