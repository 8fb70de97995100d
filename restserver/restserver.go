// Package restserver drives a gorilla/mux router over httpframe's
// byte-incremental HTTP/1.1 framing instead of net/http's blocking
// server: each accepted transport.Pipe gets its own RequestFramer, whose
// parsed requests are assembled into a stdlib *http.Request and
// dispatched through the router exactly as the teacher's RestAgent
// delegates to mux.Router.ServeHTTP, just fed from a different front
// door.
package restserver

import (
	"bytes"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/nitrusio/nitrus/httpframe"
	"github.com/nitrusio/nitrus/transport"
)

// Handler owns a mux.Router and serves every connection handed to it
// through Serve with the parsed requests dispatched against that router.
type Handler struct {
	Router *mux.Router
}

// NewHandler constructs a Handler around a fresh mux.Router.
func NewHandler() *Handler {
	return &Handler{Router: mux.NewRouter()}
}

// HandleFunc registers a route the same way mux.Router.HandleFunc does.
func (h *Handler) HandleFunc(path string, fn func(http.ResponseWriter, *http.Request)) *mux.Route {
	return h.Router.HandleFunc(path, fn)
}

// ServeStatic registers a catch-all static file responder rooted at dir,
// mirroring net/http's http.FileServer idiom.
func (h *Handler) ServeStatic(pathPrefix, dir string) {
	h.Router.PathPrefix(pathPrefix).Handler(
		http.StripPrefix(pathPrefix, http.FileServer(http.Dir(dir))))
}

// Serve drives one HTTP/1.1 connection over pipe, dispatching every
// framed request against h.Router until the connection closes.
func (h *Handler) Serve(pipe transport.Pipe) {
	framer := httpframe.NewRequestFramer(pipe)
	a := &requestAssembly{}

	framer.OnRequestStarted = func(method, path, protocol string) {
		a.reset(method, path, protocol)
	}
	framer.OnHeaderReceived = func(key, value string) {
		a.headers.Add(key, value)
	}
	framer.OnContentReceived = func(chunk []byte) {
		a.body.Write(chunk)
	}
	framer.OnRequestEnded = func() {
		h.dispatch(framer, a)
	}
	framer.OnMalformed = func(err error) {
		log.WithError(err).Warn("restserver: malformed request, connection closing")
	}
}

func (h *Handler) dispatch(framer *httpframe.RequestFramer, a *requestAssembly) {
	req, err := http.NewRequest(a.method, a.path, bytes.NewReader(a.body.Bytes()))
	if err != nil {
		log.WithError(err).Warn("restserver: failed to build request")
		framer.Writer().Begin(a.protocol, http.StatusBadRequest, http.StatusText(http.StatusBadRequest)).End()
		return
	}
	req.Header = a.headers
	req.Proto = a.protocol

	rw := newResponseAdapter(framer.Writer(), a.protocol)
	h.Router.ServeHTTP(rw, req)
	rw.finish()
}

type requestAssembly struct {
	method, path, protocol string
	headers                http.Header
	body                   bytes.Buffer
}

func (a *requestAssembly) reset(method, path, protocol string) {
	a.method, a.path, a.protocol = method, path, protocol
	a.headers = make(http.Header)
	a.body.Reset()
}

// responseAdapter implements http.ResponseWriter over an
// httpframe.ResponseWriter, buffering header mutations until the first
// Write (or an explicit WriteHeader) the way net/http's own
// ResponseWriter does.
type responseAdapter struct {
	w        *httpframe.ResponseWriter
	protocol string
	header   http.Header

	wroteHeader bool
	code        int
}

func newResponseAdapter(w *httpframe.ResponseWriter, protocol string) *responseAdapter {
	h := make(http.Header)
	h.Set("Server", "nitrus")
	return &responseAdapter{w: w, protocol: protocol, header: h}
}

func (rw *responseAdapter) Header() http.Header { return rw.header }

func (rw *responseAdapter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.code = code
	rw.w.Begin(rw.protocol, code, http.StatusText(code))
	for key, values := range rw.header {
		for _, v := range values {
			rw.w.SendHeader(key, v)
		}
	}
}

func (rw *responseAdapter) Write(data []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.w.Send(data)
	return len(data), nil
}

func (rw *responseAdapter) finish() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.w.End()
}

var _ http.ResponseWriter = (*responseAdapter)(nil)
