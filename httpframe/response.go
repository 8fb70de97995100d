package httpframe

import (
	"fmt"
	"strconv"

	"github.com/nitrusio/nitrus/hsm"
	"github.com/nitrusio/nitrus/transport"
)

// Response read-side states — the mirror image of request.go's read
// states, with one additional body mode (close-delimited).
const (
	sStatusLine   hsm.State = "StatusLine"
	sHeaderLine   hsm.State = "ResponseHeaderLine"
	sLengthBody   hsm.State = "ResponseLengthBody"
	sCloseBody    hsm.State = "ResponseCloseBody"
	sChunkSize    hsm.State = "ResponseChunkSize"
	sChunk        hsm.State = "ResponseChunk"
	sChunkTrailer hsm.State = "ResponseChunkTrailer"
	sEndOfResp    hsm.State = "EndOfResponse"
	sReadDone     hsm.State = "ResponseReadDone"
)

const (
	trRespStarted     hsm.Trigger = "resp-started"
	trRespHeaderMore  hsm.Trigger = "resp-header-more"
	trRespHeadersDone hsm.Trigger = "resp-headers-done"
	trRespBodyByte    hsm.Trigger = "resp-body-byte"
	trRespBodyDone    hsm.Trigger = "resp-body-done"
	trRespZeroChunk   hsm.Trigger = "resp-zero-chunk"
	trRespChunkSized  hsm.Trigger = "resp-chunk-sized"
	trRespChunkDone   hsm.Trigger = "resp-chunk-done"
	trRespTrailer     hsm.Trigger = "resp-trailer-done"
	trRespEnded       hsm.Trigger = "resp-ended"
	trRespNext        hsm.Trigger = "resp-next"
)

// Request writer states (always-chunked body, no connection-close
// framing branch).
const (
	rwIdle    hsm.State = "RequestWriterIdle"
	rwHeaders hsm.State = "RequestWriterHeaders"
	rwBody    hsm.State = "RequestWriterBody"
)

const (
	trRWBegin     hsm.Trigger = "rw-begin"
	trRWHeader    hsm.Trigger = "rw-header"
	trRWFirstSend hsm.Trigger = "rw-first-send"
	trRWSend      hsm.Trigger = "rw-send"
	trRWEnd       hsm.Trigger = "rw-end"
)

// ResponseFramer reads HTTP/1.1 responses off a transport.Pipe — the
// client-side counterpart of RequestFramer.
type ResponseFramer struct {
	pipe transport.Pipe
	buf  []byte
	read *hsm.Machine

	connectionClose bool
	chunked         bool
	lengthSet       bool
	remaining       int

	OnResponseStarted func(protocol string, code int, phrase string)
	OnHeaderReceived  func(key, value string)
	OnContentReceived func(chunk []byte)
	OnResponseEnded   func()
	OnDisconnected    func(error)
	OnMalformed       func(error)
}

// MalformedResponseError reports a status line without two spaces or
// with a non-numeric code, a header line with no ':', or a chunk-size
// line that is not hex.
type MalformedResponseError struct{ Line string }

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("httpframe: malformed response header line %q", e.Line)
}

// NewResponseFramer constructs a framer reading responses from pipe.
func NewResponseFramer(pipe transport.Pipe) *ResponseFramer {
	f := &ResponseFramer{pipe: pipe}
	f.configure()
	pipe.Events().Data.Subscribe(f.onData)
	pipe.Events().Disconnected.Subscribe(f.onDisconnected)
	return f
}

func (f *ResponseFramer) onData(data []byte) {
	f.buf = append(f.buf, data...)
	_ = f.read.Fire(rContinue)
}

func (f *ResponseFramer) onDisconnected(err error) {
	if f.read.State() == sCloseBody {
		if f.OnResponseEnded != nil {
			f.OnResponseEnded()
		}
	}
	if f.OnDisconnected != nil {
		f.OnDisconnected(err)
	}
}

func (f *ResponseFramer) consume(n int) { f.buf = f.buf[n:] }

func (f *ResponseFramer) fire(t hsm.Trigger) {
	if err := f.read.Fire(t); err != nil {
		panic(err)
	}
}

func (f *ResponseFramer) fail(err error) {
	if f.OnMalformed != nil {
		f.OnMalformed(err)
	}
	_ = f.pipe.Disconnect()
}

func (f *ResponseFramer) readLine() (string, bool) {
	idx := indexCRLF(f.buf)
	if idx < 0 {
		return "", false
	}
	line := string(f.buf[:idx])
	f.consume(idx + 2)
	return line, true
}

func (f *ResponseFramer) configure() {
	f.read = hsm.New(sStatusLine)
	m := f.read
	loop := func(s hsm.State) *hsm.StateConfig { return m.Configure(s).Permit(rContinue, s) }

	loop(sStatusLine).
		Permit(trRespStarted, sHeaderLine).
		OnEntry(f.enterStatusLine)

	loop(sHeaderLine).
		Permit(trRespHeaderMore, sHeaderLine).
		Permit(trRespHeadersDone, sChunkSize, func() bool { return f.chunked }).
		Permit(trRespHeadersDone, sLengthBody, func() bool { return !f.chunked && f.remaining > 0 }).
		Permit(trRespHeadersDone, sCloseBody, func() bool {
			return !f.chunked && f.remaining == 0 && !f.lengthSet && f.connectionClose
		}).
		Permit(trRespHeadersDone, sEndOfResp, func() bool {
			return !f.chunked && f.remaining == 0 && (f.lengthSet || !f.connectionClose)
		}).
		OnEntry(f.enterHeaderLine)

	loop(sLengthBody).
		Permit(trRespBodyByte, sLengthBody).
		Permit(trRespBodyDone, sEndOfResp).
		OnEntry(f.enterLengthBody)

	loop(sCloseBody).
		OnEntry(f.enterCloseBody)

	loop(sChunkSize).
		Permit(trRespChunkSized, sChunk).
		Permit(trRespZeroChunk, sChunkTrailer).
		OnEntry(f.enterChunkSize)

	loop(sChunk).
		Permit(trRespChunkDone, sChunkSize).
		OnEntry(f.enterChunk)

	loop(sChunkTrailer).
		Permit(trRespTrailer, sEndOfResp).
		OnEntry(f.enterChunkTrailer)

	loop(sEndOfResp).
		Permit(trRespNext, sStatusLine, func() bool { return !f.connectionClose }).
		Permit(trRespNext, sReadDone, func() bool { return f.connectionClose }).
		OnEntry(f.enterEndOfResponse)

	m.Configure(sReadDone)
}

func (f *ResponseFramer) enterStatusLine() {
	line, ok := f.readLine()
	if !ok {
		return
	}
	protocol, codeStr, phrase, ok := splitFirstLine(line)
	if !ok {
		f.fail(&MalformedResponseError{Line: line})
		return
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		f.fail(&MalformedResponseError{Line: line})
		return
	}
	if f.OnResponseStarted != nil {
		f.OnResponseStarted(protocol, code, phrase)
	}
	f.fire(trRespStarted)
}

func (f *ResponseFramer) enterHeaderLine() {
	line, ok := f.readLine()
	if !ok {
		return
	}
	if line == "" {
		f.fire(trRespHeadersDone)
		return
	}
	key, value, ok := splitHeaderLine(line)
	if !ok {
		f.fail(&MalformedResponseError{Line: line})
		return
	}
	lk := lowerASCII(key)
	switch lk {
	case "transfer-encoding":
		if lowerASCII(value) == "chunked" {
			f.chunked = true
		}
	case "content-length":
		if n, err := parseContentLength(value); err == nil {
			f.remaining = n
			f.lengthSet = true
		}
	case "connection":
		if lowerASCII(value) == "close" {
			f.connectionClose = true
		}
	}
	if f.OnHeaderReceived != nil {
		f.OnHeaderReceived(key, value)
	}
	f.fire(trRespHeaderMore)
}

func (f *ResponseFramer) enterLengthBody() {
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
		f.fire(trRespBodyDone)
		return
	}
	f.fire(trRespBodyByte)
}

func (f *ResponseFramer) enterCloseBody() {
	if len(f.buf) == 0 {
		return
	}
	chunk := f.buf
	f.buf = nil
	if f.OnContentReceived != nil {
		f.OnContentReceived(chunk)
	}
}

func (f *ResponseFramer) enterChunkSize() {
	line, ok := f.readLine()
	if !ok {
		return
	}
	n, err := parseHexSize(line)
	if err != nil {
		f.fail(&MalformedResponseError{Line: line})
		return
	}
	if n == 0 {
		f.fire(trRespZeroChunk)
		return
	}
	f.remaining = n
	f.fire(trRespChunkSized)
}

func (f *ResponseFramer) enterChunk() {
	if len(f.buf) < f.remaining+2 {
		return
	}
	chunk := f.buf[:f.remaining]
	f.consume(f.remaining + 2)
	if f.OnContentReceived != nil {
		f.OnContentReceived(chunk)
	}
	f.fire(trRespChunkDone)
}

func (f *ResponseFramer) enterChunkTrailer() {
	if len(f.buf) < 2 {
		return
	}
	f.consume(2)
	f.fire(trRespTrailer)
}

func (f *ResponseFramer) enterEndOfResponse() {
	if f.OnResponseEnded != nil {
		f.OnResponseEnded()
	}
	f.chunked = false
	f.lengthSet = false
	f.remaining = 0
	f.fire(trRespNext)
}

// RequestWriter is the fluent client-side writer: always-chunked request
// bodies, no connection-close framing branch.
type RequestWriter struct {
	pipe    transport.Pipe
	machine *hsm.Machine
}

// NewRequestWriter constructs a writer for pipe.
func NewRequestWriter(pipe transport.Pipe) *RequestWriter {
	w := &RequestWriter{pipe: pipe, machine: hsm.New(rwIdle)}
	m := w.machine
	m.Configure(rwIdle).Permit(trRWBegin, rwHeaders)
	m.Configure(rwHeaders).
		Permit(trRWHeader, rwHeaders).
		Permit(trRWFirstSend, rwBody).
		Permit(trRWEnd, rwIdle)
	m.Configure(rwBody).
		Permit(trRWSend, rwBody).
		Permit(trRWEnd, rwIdle)
	return w
}

func (w *RequestWriter) tryFire(t hsm.Trigger) bool { return w.machine.Fire(t) == nil }

// Begin writes the request line and arms the writer for headers.
func (w *RequestWriter) Begin(method, path, protocol string) *RequestWriter {
	if !w.tryFire(trRWBegin) {
		return w
	}
	_ = w.pipe.Send([]byte(fmt.Sprintf("%s %s %s\r\n", method, path, protocol)))
	return w
}

// SendHeader writes one "key: value" header line.
func (w *RequestWriter) SendHeader(key, value string) *RequestWriter {
	if !w.tryFire(trRWHeader) {
		return w
	}
	_ = w.pipe.Send([]byte(fmt.Sprintf("%s: %s\r\n", key, value)))
	return w
}

// Send writes a body chunk, always chunked-framed: the first call also
// writes the Transfer-Encoding: chunked last-header line.
func (w *RequestWriter) Send(data []byte) *RequestWriter {
	switch w.machine.State() {
	case rwHeaders:
		if !w.tryFire(trRWFirstSend) {
			return w
		}
		_ = w.pipe.Send([]byte("Transfer-Encoding: chunked\r\n\r\n"))
	case rwBody:
		if !w.tryFire(trRWSend) {
			return w
		}
	default:
		return w
	}
	_ = w.pipe.Send(writeChunk(data))
	return w
}

// End writes the terminating zero-size chunk and rearms the writer for
// the next request.
func (w *RequestWriter) End() *RequestWriter {
	state := w.machine.State()
	if state != rwHeaders && state != rwBody {
		return w
	}
	wasHeadersOnly := state == rwHeaders
	if !w.tryFire(trRWEnd) {
		return w
	}
	if wasHeadersOnly {
		_ = w.pipe.Send([]byte("Transfer-Encoding: chunked\r\n\r\n0\r\n\r\n"))
	} else {
		_ = w.pipe.Send([]byte("0\r\n\r\n"))
	}
	return w
}
