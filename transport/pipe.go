// Package transport defines the byte-pipe capability every protocol
// component in this module is built against, replacing a socket class
// hierarchy with a single narrow interface plus an event surface.
package transport

import "github.com/nitrusio/nitrus/eventbus"

// Events is the publish side of a Pipe: Data fires for every arriving
// buffer (in arrival order, never split or coalesced beyond what the
// underlying transport itself delivers), and Disconnected fires exactly
// once, with the error that ended the connection (nil from MemoryPipe;
// from socket.ConnPipe, the read error such as io.EOF when the peer
// closes, or the Close error on a local Disconnect). Connected is not
// emitted by MemoryPipe or socket.ConnPipe, which are already connected
// when constructed.
type Events struct {
	Connected    eventbus.Source[struct{}]
	Data         eventbus.Source[[]byte]
	Disconnected eventbus.Source[error]
}

// Pipe is the capability a byte-oriented component needs from its
// transport: send bytes, disconnect, and observe the Events surface. Any
// concrete transport — a TCP socket, a TLS connection, an in-memory test
// double — satisfies this by composition rather than by inheriting from
// a shared base type.
type Pipe interface {
	Send(data []byte) error
	Disconnect() error
	Events() *Events
}
