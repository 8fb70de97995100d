package xmppsession

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/nitrusio/nitrus/sched"
	"github.com/nitrusio/nitrus/transport"
)

// fixture wires a Session to one end of a MemoryPipe pair and captures
// every frame the Session sends on the other end, one string per Send
// call (MemoryPipe delivers a Data event per Send, so this lines up
// one-to-one with the Session's own framing).
type fixture struct {
	t       *testing.T
	session *Session
	server  *transport.MemoryPipe
	sent    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, server := transport.NewMemoryPipePair()
	f := &fixture{t: t, server: server}
	f.session = NewSession(client, sched.New(), "user@example.org", "secret")
	server.Events().Data.Subscribe(func(d []byte) { f.sent = append(f.sent, string(d)) })
	return f
}

func (f *fixture) recv(raw string) {
	if err := f.server.Send([]byte(raw)); err != nil {
		f.t.Fatalf("unexpected send error: %v", err)
	}
}

func (f *fixture) frame(i int) string {
	if i >= len(f.sent) {
		f.t.Fatalf("expected at least %d frames, got %d: %v", i+1, len(f.sent), f.sent)
	}
	return f.sent[i]
}

func TestHappyPathHandshakeAndSessionCreation(t *testing.T) {
	f := newFixture(t)
	f.session.Start()

	if !strings.Contains(f.frame(0), "<stream:stream to='example.org'") {
		t.Fatalf("frame 0 should be the opening stream, got %q", f.frame(0))
	}

	f.recv("<stream:stream from='example.org' id='s1' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>")

	wantAuth := base64.StdEncoding.EncodeToString([]byte("\x00user\x00secret"))
	if !strings.Contains(f.frame(1), wantAuth) {
		t.Fatalf("frame 1 should carry SASL PLAIN payload %q, got %q", wantAuth, f.frame(1))
	}
	if f.session.State() != stLoggingIn {
		t.Fatalf("expected LoggingIn, got %s", f.session.State())
	}

	f.recv("<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>")

	if !strings.Contains(f.frame(2), "<stream:stream to='example.org'") {
		t.Fatalf("frame 2 should be the post-login opening stream, got %q", f.frame(2))
	}

	f.recv("<stream:stream from='example.org' id='s2' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>")

	if !strings.Contains(f.frame(3), "xmpp-bind") {
		t.Fatalf("frame 3 should be the bind IQ, got %q", f.frame(3))
	}
	if f.session.State() != stBindingResource {
		t.Fatalf("expected BindingResource, got %s", f.session.State())
	}

	f.recv("<iq type='result' id='bind1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>user@example.org/nitrus</jid></bind></iq>")

	if !strings.Contains(f.frame(4), "xmpp-session") {
		t.Fatalf("frame 4 should be the session IQ, got %q", f.frame(4))
	}
	if f.session.State() != stCreatingSession {
		t.Fatalf("expected CreatingSession, got %s", f.session.State())
	}

	f.recv("<iq type='result' id='sess1'/>")

	if f.frame(5) != "<presence/>" {
		t.Fatalf("frame 5 should be the initial presence broadcast, got %q", f.frame(5))
	}
	if f.session.State() != stCreatedSession {
		t.Fatalf("expected CreatedSession, got %s", f.session.State())
	}
	if f.session.selfJID != "user@example.org/nitrus" {
		t.Fatalf("expected bound JID to be recorded, got %q", f.session.selfJID)
	}

	var gotFrom, gotBody string
	f.session.OnMessageReceived = func(from, body string) { gotFrom, gotBody = from, body }
	f.recv("<message from='friend@example.org'><body>hi there</body></message>")
	if gotFrom != "friend@example.org" || gotBody != "hi there" {
		t.Fatalf("expected MessageReceived(friend@example.org, hi there), got (%q, %q)", gotFrom, gotBody)
	}
}

func TestBase64PlainAuthEncoding(t *testing.T) {
	if got := base64.StdEncoding.EncodeToString([]byte("hello world!")); got != "aGVsbG8gd29ybGQh" {
		t.Fatalf("base64(%q) = %q, want aGVsbG8gd29ybGQh", "hello world!", got)
	}
}

func bringToLoggingIn(f *fixture) {
	f.session.Start()
	f.recv("<stream:stream from='example.org' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>")
}

func TestSASLBadProtocolTriggersInBandRegistration(t *testing.T) {
	f := newFixture(t)
	bringToLoggingIn(f)

	f.recv("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><bad-protocol/></failure>")

	if f.session.State() != stLoginInvalidAccount {
		t.Fatalf("expected LoginInvalidAccount, got %s", f.session.State())
	}
	if !strings.Contains(f.frame(2), "jabber:iq:register") {
		t.Fatalf("expected in-band registration IQ, got %q", f.frame(2))
	}
	if !strings.Contains(f.frame(2), "<username>user</username>") || !strings.Contains(f.frame(2), "<password>secret</password>") {
		t.Fatalf("registration IQ should carry the account credentials, got %q", f.frame(2))
	}

	f.recv("<iq type='result' id='reg1'/>")
	if f.session.State() != stCreatingPostLoginStream {
		t.Fatalf("expected CreatingPostLoginStream after registration, got %s", f.session.State())
	}
	if !strings.Contains(f.frame(3), "<stream:stream to='example.org'") {
		t.Fatalf("expected post-login stream reopen after registration, got %q", f.frame(3))
	}
}

func TestSASLNotAuthorizedIsTerminal(t *testing.T) {
	f := newFixture(t)
	bringToLoggingIn(f)

	var failErr error
	f.session.OnLoginFailed = func(err error) { failErr = err }

	f.recv("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>")

	if f.session.State() != stLoginInvalidPassword {
		t.Fatalf("expected LoginInvalidPassword, got %s", f.session.State())
	}
	if failErr == nil {
		t.Fatalf("expected OnLoginFailed to be invoked")
	}
}

func bringToCreatedSession(f *fixture) {
	f.session.Start()
	f.recv("<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>")
	f.recv("<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>")
	f.recv("<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>")
	f.recv("<iq type='result' id='bind1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>user@example.org/nitrus</jid></bind></iq>")
	f.recv("<iq type='result' id='sess1'/>")
}

func TestPresenceSubscribeAutoAccept(t *testing.T) {
	f := newFixture(t)
	bringToCreatedSession(f)
	before := len(f.sent)

	f.recv("<presence from='buddy@example.org' type='subscribe'/>")

	if len(f.sent) != before+1 {
		t.Fatalf("expected one auto-accept reply, got %d new frames", len(f.sent)-before)
	}
	reply := f.sent[before]
	if !strings.Contains(reply, "to='buddy@example.org'") || !strings.Contains(reply, "type='subscribed'") {
		t.Fatalf("expected subscribed reply to buddy@example.org, got %q", reply)
	}
}

func TestPresenceReceivedEmitted(t *testing.T) {
	f := newFixture(t)
	bringToCreatedSession(f)

	var gotFrom, gotShow string
	f.session.OnPresenceReceived = func(from, show string) { gotFrom, gotShow = from, show }

	f.recv("<presence from='buddy@example.org'><show>away</show></presence>")

	if gotFrom != "buddy@example.org" || gotShow != "away" {
		t.Fatalf("expected PresenceReceived(buddy@example.org, away), got (%q, %q)", gotFrom, gotShow)
	}
}

func TestRosterAutoAccept(t *testing.T) {
	f := newFixture(t)
	bringToCreatedSession(f)
	before := len(f.sent)

	f.recv("<iq type='set' id='roster1'><query xmlns='jabber:iq:roster'><item jid='buddy@example.org' subscription='from'/></query></iq>")

	if len(f.sent) != before+1 {
		t.Fatalf("expected one roster auto-accept reply, got %d new frames", len(f.sent)-before)
	}
	reply := f.sent[before]
	if !strings.Contains(reply, "id='roster1'") || !strings.Contains(reply, "jid='buddy@example.org'") || !strings.Contains(reply, "subscription='to'") {
		t.Fatalf("expected roster reply preserving id and flipping subscription to 'to', got %q", reply)
	}
}

func TestMessageSendsOutboundStanza(t *testing.T) {
	f := newFixture(t)
	bringToCreatedSession(f)
	before := len(f.sent)

	f.session.Message("buddy@example.org", "hello")

	if len(f.sent) != before+1 {
		t.Fatalf("expected exactly one outbound frame, got %d", len(f.sent)-before)
	}
	got := f.sent[before]
	if !strings.Contains(got, "to='buddy@example.org'") || !strings.Contains(got, "<body>hello</body>") {
		t.Fatalf("expected outbound message stanza, got %q", got)
	}
}

func TestMessageEscapesBodyAndJID(t *testing.T) {
	f := newFixture(t)
	bringToCreatedSession(f)
	before := len(f.sent)

	f.session.Message("o'brien's&friend@example.org", "<script>&'\"")

	got := f.sent[before]
	if strings.Contains(got, "<script>") || strings.Contains(got, "o'brien's&friend") {
		t.Fatalf("expected special characters escaped, got %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;&amp;&apos;&quot;") {
		t.Fatalf("expected escaped body text, got %q", got)
	}
	if !strings.Contains(got, "o&apos;brien&apos;s&amp;friend@example.org") {
		t.Fatalf("expected escaped jid attribute, got %q", got)
	}
}

func TestDisconnectCancelsKeepaliveAndNotifies(t *testing.T) {
	f := newFixture(t)
	bringToCreatedSession(f)

	notified := false
	f.session.OnDisconnected = func() { notified = true }

	if err := f.server.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !notified {
		t.Fatalf("expected OnDisconnected to fire")
	}
	if f.session.State() != stDisconnected {
		t.Fatalf("expected Disconnected, got %s", f.session.State())
	}
}
