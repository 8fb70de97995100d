// Package xmppsession implements the XMPP client handshake and session
// state machine: stream negotiation, SASL PLAIN authentication with
// in-band registration fallback, resource binding, session creation, and
// stanza dispatch, all driven by an hsm.Machine over a transport.Pipe —
// the same composition-over-inheritance shape the teacher's cla/tcpcl
// session progression uses, generalized from a linear chain to the
// richer branching state set XMPP's handshake needs.
package xmppsession

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nitrusio/nitrus/hsm"
	"github.com/nitrusio/nitrus/sched"
	"github.com/nitrusio/nitrus/transport"
	"github.com/nitrusio/nitrus/xmlstream"
)

const (
	stIdle    hsm.State = "Idle"
	stConnect hsm.State = "Connecting"
	stConn    hsm.State = "Connected"

	stCreatingPreLoginStream hsm.State = "CreatingPreLoginStream"
	stCreatedPreLoginStream  hsm.State = "CreatedPreLoginStream"
	stLoggingIn              hsm.State = "LoggingIn"
	stLoggedIn               hsm.State = "LoggedIn"
	stLoginInvalidAccount    hsm.State = "LoginInvalidAccount"
	stLoginInvalidPassword   hsm.State = "LoginInvalidPassword"
	stCreatedAccount         hsm.State = "CreatedAccount"

	stCreatingPostLoginStream hsm.State = "CreatingPostLoginStream"
	stCreatedPostLoginStream  hsm.State = "CreatedPostLoginStream"
	stBindingResource         hsm.State = "BindingResource"
	stBoundResource           hsm.State = "BoundResource"
	stCreatingSession         hsm.State = "CreatingSession"
	stCreatedSession          hsm.State = "CreatedSession"

	stCanDisconnect hsm.State = "CanDisconnect"
	stDisconnected  hsm.State = "Disconnected"
)

const (
	trConnect         hsm.Trigger = "connect"
	trTransportUp     hsm.Trigger = "transport-up"
	trBeginPreLogin   hsm.Trigger = "begin-pre-login"
	trPreStreamOpened hsm.Trigger = "pre-stream-opened"
	trBeginLogin      hsm.Trigger = "begin-login"
	trLoggedIn        hsm.Trigger = "logged-in"
	trInvalidAccount  hsm.Trigger = "invalid-account"
	trInvalidPassword hsm.Trigger = "invalid-password"
	trAccountCreated  hsm.Trigger = "account-created"
	trBeginPostLogin  hsm.Trigger = "begin-post-login"
	trPostStreamOpen  hsm.Trigger = "post-stream-opened"
	trBeginBind       hsm.Trigger = "begin-bind"
	trResourceBound   hsm.Trigger = "resource-bound"
	trBeginSession    hsm.Trigger = "begin-session"
	trSessionCreated  hsm.Trigger = "session-created"
	trDisconnected    hsm.Trigger = "disconnected"
)

const keepaliveInterval = time.Minute

// Session is an XMPP client handshake and stanza-dispatch state machine
// over a transport.Pipe. Construct with NewSession, then call Start.
type Session struct {
	pipe      transport.Pipe
	scheduler *sched.Scheduler
	machine   *hsm.Machine

	jid, username, domain, password string
	selfJID                         string

	docTok *xmlstream.Tokenizer
	docAsm *xmlstream.Assembler

	streamOpenBuf []byte
	pendingDoc    *xmlstream.Element

	keepaliveScheduled bool
	keepaliveHandle    sched.Handle

	OnPresenceReceived func(from, show string)
	OnMessageReceived  func(from, body string)
	OnLoginFailed      func(err error)
	OnDisconnected     func()
}

// LoginFailedError reports a terminal SASL failure (<not-authorized>).
type LoginFailedError struct{ Reason string }

func (e *LoginFailedError) Error() string { return "xmppsession: login failed: " + e.Reason }

// NewSession constructs a Session for the account jid ("user@domain")
// over pipe, using scheduler for keep-alive rescheduling.
func NewSession(pipe transport.Pipe, scheduler *sched.Scheduler, jid, password string) *Session {
	username, domain, _ := strings.Cut(jid, "@")

	s := &Session{
		pipe:      pipe,
		scheduler: scheduler,
		jid:       jid,
		username:  username,
		domain:    domain,
		password:  password,
		selfJID:   jid,
	}
	s.configure()
	pipe.Events().Data.Subscribe(s.onData)
	pipe.Events().Disconnected.Subscribe(s.onTransportDisconnected)
	return s
}

// Start begins the handshake: Idle -> Connecting -> Connected, sending
// the opening pre-login stream. The pipe handed to NewSession is assumed
// already live — every transport.Pipe implementation in this module
// hands Session a pipe that is already connected by the time it is
// constructed, so there is no separate wait for a Connected event.
func (s *Session) Start() {
	s.fire(trConnect)
	s.fire(trTransportUp)
}

func (s *Session) fire(t hsm.Trigger) {
	if err := s.machine.Fire(t); err != nil {
		log.WithError(err).WithField("state", s.machine.State()).Warn("xmppsession: fire failed")
	}
}

// State reports the machine's current state, mostly useful for tests.
func (s *Session) State() hsm.State { return s.machine.State() }

func (s *Session) configure() {
	m := hsm.New(stIdle)
	s.machine = m

	m.Configure(stIdle).Permit(trConnect, stConnect)
	m.Configure(stConnect).
		Permit(trTransportUp, stConn).
		SubstateOf(stCanDisconnect)
	m.Configure(stConn).
		Permit(trBeginPreLogin, stCreatingPreLoginStream).
		OnEntry(s.enterConnected).
		SubstateOf(stCanDisconnect)

	m.Configure(stCreatingPreLoginStream).
		Permit(trPreStreamOpened, stCreatedPreLoginStream).
		OnEntry(s.enterCreatingPreLoginStream).
		SubstateOf(stCanDisconnect)
	m.Configure(stCreatedPreLoginStream).
		Permit(trBeginLogin, stLoggingIn).
		OnEntry(s.enterCreatedPreLoginStream).
		SubstateOf(stCanDisconnect)
	m.Configure(stLoggingIn).
		Permit(trLoggedIn, stLoggedIn).
		Permit(trInvalidAccount, stLoginInvalidAccount).
		Permit(trInvalidPassword, stLoginInvalidPassword).
		SubstateOf(stCanDisconnect)
	m.Configure(stLoggedIn).
		Permit(trBeginPostLogin, stCreatingPostLoginStream).
		OnEntry(s.enterLoggedIn).
		SubstateOf(stCanDisconnect)
	m.Configure(stLoginInvalidAccount).
		Permit(trAccountCreated, stCreatedAccount).
		OnEntry(s.enterLoginInvalidAccount).
		SubstateOf(stCanDisconnect)
	m.Configure(stLoginInvalidPassword).
		OnEntry(s.enterLoginInvalidPassword).
		SubstateOf(stCanDisconnect)
	m.Configure(stCreatedAccount).
		Permit(trBeginPostLogin, stCreatingPostLoginStream).
		OnEntry(s.enterLoggedIn).
		SubstateOf(stCanDisconnect)

	m.Configure(stCreatingPostLoginStream).
		Permit(trPostStreamOpen, stCreatedPostLoginStream).
		OnEntry(s.enterCreatingPostLoginStream).
		SubstateOf(stCanDisconnect)
	m.Configure(stCreatedPostLoginStream).
		Permit(trBeginBind, stBindingResource).
		OnEntry(s.enterCreatedPostLoginStream).
		SubstateOf(stCanDisconnect)
	m.Configure(stBindingResource).
		Permit(trResourceBound, stBoundResource).
		SubstateOf(stCanDisconnect)
	m.Configure(stBoundResource).
		Permit(trBeginSession, stCreatingSession).
		OnEntry(s.enterBoundResource).
		SubstateOf(stCanDisconnect)
	m.Configure(stCreatingSession).
		Permit(trSessionCreated, stCreatedSession).
		OnEntry(s.enterCreatingSession).
		SubstateOf(stCanDisconnect)
	m.Configure(stCreatedSession).
		OnEntry(s.enterCreatedSession).
		SubstateOf(stCanDisconnect)

	m.Configure(stCanDisconnect).Permit(trDisconnected, stDisconnected)
	m.Configure(stDisconnected).OnEntry(s.enterDisconnected)

	s.docTok = xmlstream.NewTokenizer()
	s.docAsm = xmlstream.NewAssembler(s.docTok)
	s.docAsm.OnDocumentParsed = s.onStanza
	s.docAsm.OnMalformed = s.onMalformed
}

func (s *Session) send(format string, args ...interface{}) {
	_ = s.pipe.Send([]byte(fmt.Sprintf(format, args...)))
}

// onData routes inbound bytes: while waiting for a stream-open tag, to
// the raw byte scan that isolates it; otherwise to the stanza document
// parser.
func (s *Session) onData(data []byte) {
	switch s.machine.State() {
	case stCreatingPreLoginStream, stCreatingPostLoginStream:
		s.feedStreamOpen(data)
	default:
		s.docTok.Append(data)
	}
}

// feedStreamOpen accumulates bytes until the stream-open tag's closing
// '>' is seen, validates the tag is a <stream:stream>, fires the
// matching trigger, then hands everything after that '>' — the tail the
// server may have coalesced into the same TCP segment as its first
// stanza — to the document parser so nothing is lost.
func (s *Session) feedStreamOpen(data []byte) {
	s.streamOpenBuf = append(s.streamOpenBuf, data...)
	idx := bytes.IndexByte(s.streamOpenBuf, '>')
	if idx < 0 {
		return
	}

	head := s.streamOpenBuf[:idx+1]
	tail := s.streamOpenBuf[idx+1:]
	s.streamOpenBuf = nil

	var ns, local string
	verify := xmlstream.NewTokenizer()
	verify.OnStartElement = func(ev xmlstream.StartElementEvent) {
		ns, local = ev.NS, ev.Local
	}
	verify.Append(head)

	if !strings.EqualFold(ns, "stream") || !strings.EqualFold(local, "stream") {
		s.fail(fmt.Errorf("xmppsession: expected <stream:stream>, got <%s:%s>", ns, local))
		return
	}

	switch s.machine.State() {
	case stCreatingPreLoginStream:
		s.fire(trPreStreamOpened)
	case stCreatingPostLoginStream:
		s.fire(trPostStreamOpen)
	}

	if len(tail) > 0 {
		s.docTok.Append(tail)
	}
}

func (s *Session) fail(err error) {
	log.WithError(err).Warn("xmppsession: protocol error, disconnecting")
	_ = s.pipe.Disconnect()
}

func (s *Session) onMalformed(err error) {
	log.WithError(err).Warn("xmppsession: malformed stanza, disconnecting")
	_ = s.pipe.Disconnect()
}

func (s *Session) onTransportDisconnected(error) {
	s.fire(trDisconnected)
}

func (s *Session) enterConnected() {
	s.send("<stream:stream to='%s' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>", xmlstream.EscapeText(s.domain))
	s.fire(trBeginPreLogin)
}

func (s *Session) enterCreatingPreLoginStream() {
	s.streamOpenBuf = nil
}

func (s *Session) enterCreatedPreLoginStream() {
	payload := base64.StdEncoding.EncodeToString([]byte("\x00" + s.username + "\x00" + s.password))
	s.send("<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>%s</auth>", payload)
	s.fire(trBeginLogin)
}

func (s *Session) enterLoggedIn() {
	s.send("<stream:stream to='%s' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>", xmlstream.EscapeText(s.domain))
	s.fire(trBeginPostLogin)
}

func (s *Session) enterLoginInvalidAccount() {
	s.send("<iq type='set' id='reg1'><query xmlns='jabber:iq:register'><username>%s</username><password>%s</password></query></iq>",
		xmlstream.EscapeText(s.username), xmlstream.EscapeText(s.password))
}

func (s *Session) enterLoginInvalidPassword() {
	log.Warn("xmppsession: login failed, invalid password")
	if s.OnLoginFailed != nil {
		s.OnLoginFailed(&LoginFailedError{Reason: "not-authorized"})
	}
}

func (s *Session) enterCreatingPostLoginStream() {
	s.streamOpenBuf = nil
}

func (s *Session) enterCreatedPostLoginStream() {
	s.send("<iq type='set' id='bind1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>nitrus</resource></bind></iq>")
	s.fire(trBeginBind)
}

func (s *Session) enterBoundResource() {
	if s.pendingDoc != nil {
		if bind := s.pendingDoc.FirstChild("", "bind"); bind.Exists() {
			if jid := bind.FirstChild("", "jid"); jid.Exists() {
				s.selfJID = jid.Text
			}
		}
	}
	s.fire(trBeginSession)
}

func (s *Session) enterCreatingSession() {
	s.send("<iq type='set' id='sess1'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>")
}

func (s *Session) enterCreatedSession() {
	s.send("<presence/>")
	s.scheduleKeepalive()
}

func (s *Session) scheduleKeepalive() {
	s.keepaliveHandle = s.scheduler.After(keepaliveInterval, s.sendKeepalive)
	s.keepaliveScheduled = true
}

func (s *Session) sendKeepalive(time.Time) {
	if s.machine.State() == stDisconnected {
		return
	}
	if err := s.pipe.Send([]byte{' '}); err != nil {
		return
	}
	s.scheduleKeepalive()
}

func (s *Session) enterDisconnected() {
	if s.keepaliveScheduled {
		s.keepaliveHandle.Cancel()
		s.keepaliveScheduled = false
	}
	if s.OnDisconnected != nil {
		s.OnDisconnected()
	}
}

// onStanza dispatches one fully-parsed top-level element against the
// current handshake or session state.
func (s *Session) onStanza(doc *xmlstream.Element) {
	switch s.machine.State() {
	case stLoggingIn:
		s.handleAuthResponse(doc)
	case stLoginInvalidAccount:
		s.handleRegisterResponse(doc)
	case stBindingResource:
		s.handleBindResponse(doc)
	case stCreatingSession:
		s.handleSessionResponse(doc)
	case stCreatedSession:
		s.dispatchStanza(doc)
	default:
		log.WithField("element", doc.Local).Warn("xmppsession: unexpected stanza for current state")
	}
}

func (s *Session) handleAuthResponse(doc *xmlstream.Element) {
	switch strings.ToLower(doc.Local) {
	case "success":
		s.fire(trLoggedIn)
	case "failure":
		if doc.FirstChild("", "bad-protocol").Exists() {
			s.fire(trInvalidAccount)
			return
		}
		if doc.FirstChild("", "not-authorized").Exists() {
			s.fire(trInvalidPassword)
			return
		}
		log.Warn("xmppsession: unrecognized SASL failure reason")
		s.fire(trInvalidPassword)
	default:
		log.WithField("element", doc.Local).Warn("xmppsession: unexpected document while logging in")
	}
}

func (s *Session) handleRegisterResponse(doc *xmlstream.Element) {
	if strings.ToLower(doc.Local) != "iq" {
		log.WithField("element", doc.Local).Warn("xmppsession: unexpected document while registering")
		return
	}
	if doc.Attr("", "type").Value == "error" {
		log.Warn("xmppsession: in-band registration failed")
		if s.OnLoginFailed != nil {
			s.OnLoginFailed(&LoginFailedError{Reason: "registration failed"})
		}
		return
	}
	s.fire(trAccountCreated)
}

func (s *Session) handleBindResponse(doc *xmlstream.Element) {
	if strings.ToLower(doc.Local) != "iq" {
		log.WithField("element", doc.Local).Warn("xmppsession: unexpected document while binding resource")
		return
	}
	s.pendingDoc = doc
	s.fire(trResourceBound)
	s.pendingDoc = nil
}

func (s *Session) handleSessionResponse(doc *xmlstream.Element) {
	if strings.ToLower(doc.Local) != "iq" {
		log.WithField("element", doc.Local).Warn("xmppsession: unexpected document while creating session")
		return
	}
	s.fire(trSessionCreated)
}

func (s *Session) dispatchStanza(doc *xmlstream.Element) {
	switch strings.ToLower(doc.Local) {
	case "iq":
		s.dispatchIQ(doc)
	case "presence":
		s.dispatchPresence(doc)
	case "message":
		s.dispatchMessage(doc)
	default:
		log.WithField("element", doc.Local).Warn("xmppsession: unhandled stanza")
	}
}

func (s *Session) dispatchIQ(doc *xmlstream.Element) {
	if doc.Attr("", "type").Value != "set" {
		log.WithField("element", doc.Local).Warn("xmppsession: unhandled iq")
		return
	}
	query := doc.FirstChild("", "query")
	if !query.Exists() {
		log.Warn("xmppsession: unhandled iq set")
		return
	}
	item := query.FirstChild("", "item")
	if !item.Exists() || item.Attr("", "subscription").Value != "from" {
		log.Warn("xmppsession: unhandled iq set")
		return
	}

	jid := item.Attr("", "jid").Value
	id := doc.Attr("", "id").Value
	s.send("<iq type='set' id='%s'><query xmlns='jabber:iq:roster'><item jid='%s' subscription='to'/></query></iq>",
		xmlstream.EscapeText(id), xmlstream.EscapeText(jid))
}

func (s *Session) dispatchPresence(doc *xmlstream.Element) {
	from := doc.Attr("", "from").Value

	if doc.Attr("", "type").Value == "subscribe" {
		s.send("<presence from='%s' to='%s' type='subscribed'/>", xmlstream.EscapeText(s.selfJID), xmlstream.EscapeText(from))
		return
	}

	if show := doc.FirstChild("", "show"); show.Exists() {
		if s.OnPresenceReceived != nil {
			s.OnPresenceReceived(from, show.Text)
		}
		return
	}

	log.WithField("from", from).Warn("xmppsession: unhandled presence")
}

func (s *Session) dispatchMessage(doc *xmlstream.Element) {
	from := doc.Attr("", "from").Value
	body := doc.FirstChild("", "body")
	if !body.Exists() {
		log.WithField("from", from).Warn("xmppsession: message with no body")
		return
	}
	if s.OnMessageReceived != nil {
		s.OnMessageReceived(from, body.Text)
	}
}

// Message sends <message from=self to=to><body>body</body></message>.
func (s *Session) Message(to, body string) {
	s.send("<message from='%s' to='%s'><body>%s</body></message>",
		xmlstream.EscapeText(s.selfJID), xmlstream.EscapeText(to), xmlstream.EscapeText(body))
}
