// Package xmlstream implements a byte-incremental XML tokenizer and a
// document-tree assembler built on top of it. Both accept input in
// arbitrarily small pieces — a single byte at a time is fine — and never
// block waiting for more: a piece that doesn't complete a token is
// buffered and the caller's Append simply returns.
package xmlstream

import (
	"strings"

	"github.com/nitrusio/nitrus/hsm"
)

// Element/attribute name terminators for StartElementName/EndElementName.
func isNameTerminator(b byte) bool {
	return b == '/' || b == '>' || isWS(b)
}

func isWS(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}

func splitName(raw string) (ns, local string) {
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return "", raw
}

// Tokenizer states.
const (
	stOpenElement                  hsm.State = "OpenElement"
	stAfterOpenAngle               hsm.State = "AfterOpenAngle"
	stIgnoreDeclaration            hsm.State = "IgnoreDeclaration"
	stEndElementName               hsm.State = "EndElementName"
	stStartElementName             hsm.State = "StartElementName"
	stOptionalWhitespace           hsm.State = "OptionalWhitespace"
	stOptionalAttribute            hsm.State = "OptionalAttribute"
	stAttributeName                hsm.State = "AttributeName"
	stAttributeAssign              hsm.State = "AttributeAssign"
	stAttributeQuoteSelect         hsm.State = "AttributeQuoteSelect"
	stAttributeBodySingle          hsm.State = "AttributeBodySingle"
	stAttributeBodyDouble          hsm.State = "AttributeBodyDouble"
	stAttributeCloseSingle         hsm.State = "AttributeCloseSingle"
	stAttributeCloseDouble         hsm.State = "AttributeCloseDouble"
	stOptionalSlashAfterAttributes hsm.State = "OptionalSlashAfterAttributes"
	stImmediateEndElement          hsm.State = "ImmediateEndElement"
	stCloseElement                 hsm.State = "CloseElement"
	stOptionalOpenElement          hsm.State = "OptionalOpenElement"
	stText                         hsm.State = "Text"
)

// triggerContinue is fired on every Append; each state permits it as a
// self-transition whose entry action re-attempts the parse step that
// state is responsible for against whatever buffer is now available.
const triggerContinue hsm.Trigger = "continue"

// Forward-progress triggers. Each names the single decision a state's
// entry action makes once it has enough buffered data to act.
const (
	trLT              hsm.Trigger = "lt"
	trIsQuestion      hsm.Trigger = "is-question"
	trIsSlash         hsm.Trigger = "is-slash"
	trIsOther         hsm.Trigger = "is-other"
	trDeclEnd         hsm.Trigger = "decl-end"
	trStartNameDone   hsm.Trigger = "start-name-done"
	trEndNameDone     hsm.Trigger = "end-name-done"
	trCloseDone       hsm.Trigger = "close-done"
	trWSDone          hsm.Trigger = "ws-done"
	trAttrsEnd        hsm.Trigger = "attrs-end"
	trAttrName        hsm.Trigger = "attr-name"
	trEq              hsm.Trigger = "eq"
	trSingleQuote     hsm.Trigger = "single-quote"
	trDoubleQuote     hsm.Trigger = "double-quote"
	trBodyDone        hsm.Trigger = "body-done"
	trQuoteClosed     hsm.Trigger = "quote-closed"
	trSlashSeen       hsm.Trigger = "slash-seen"
	trGTSeen          hsm.Trigger = "gt-seen"
	trImmediateDone   hsm.Trigger = "immediate-done"
	trPeekLT          hsm.Trigger = "peek-lt"
	trPeekOther       hsm.Trigger = "peek-other"
	trFoundLT         hsm.Trigger = "found-lt"
)

// StartElementEvent is emitted when a start tag's name (and namespace
// prefix, if any) has been fully read.
type StartElementEvent struct{ NS, Local string }

// EndElementEvent is emitted when an end tag — explicit or via "/>" — has
// been fully read. For "/>" NS/Local repeat the start tag's name; for an
// explicit end tag they are the name written in that tag, unchecked.
type EndElementEvent struct{ NS, Local string }

// AttributeNameEvent is emitted when an attribute's name has been read,
// always immediately followed by a matching AttributeValueEvent once the
// value is available.
type AttributeNameEvent struct{ NS, Local string }

// AttributeValueEvent is emitted once an attribute's quoted value has
// been fully read and unescaped.
type AttributeValueEvent struct{ Value string }

// TextEvent is emitted for a run of character data between two tags, with
// the five predefined entities resolved. Adjacent tags with nothing
// between them (no intervening byte before the next '<') produce no Text
// event at all — only a genuinely present text region, however short,
// raises one.
type TextEvent struct{ Data string }

// Tokenizer turns a byte stream into a sequence of StartElement/
// EndElement/AttributeName/AttributeValue/Text events. Feed it with
// Append; it never blocks and never requires the caller to present a
// complete token in one call.
type Tokenizer struct {
	buf     []byte
	machine *hsm.Machine

	pendingName     string // unused: the *ElementName states read names straight from buf
	pendingAttrNS   string
	pendingAttrLoc  string
	lastStartNS     string
	lastStartLocal  string

	OnStartElement   func(StartElementEvent)
	OnEndElement     func(EndElementEvent)
	OnAttributeName  func(AttributeNameEvent)
	OnAttributeValue func(AttributeValueEvent)
	OnText           func(TextEvent)
}

// NewTokenizer constructs a Tokenizer ready to accept input via Append.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{machine: hsm.New(stOpenElement)}
	t.configure()
	return t
}

// Append feeds more bytes to the tokenizer. It may run any number of
// parse steps synchronously, emitting events as tokens complete, and
// always returns once the currently buffered data is insufficient to
// make further progress.
func (t *Tokenizer) Append(data []byte) error {
	t.buf = append(t.buf, data...)
	return t.machine.Fire(triggerContinue)
}

func (t *Tokenizer) consume(n int) {
	t.buf = t.buf[n:]
}

func (t *Tokenizer) fire(trig hsm.Trigger) {
	if err := t.machine.Fire(trig); err != nil {
		panic(err)
	}
}

func (t *Tokenizer) emitStart(ns, local string) {
	t.lastStartNS, t.lastStartLocal = ns, local
	if t.OnStartElement != nil {
		t.OnStartElement(StartElementEvent{NS: ns, Local: local})
	}
}

func (t *Tokenizer) emitEnd(ns, local string) {
	if t.OnEndElement != nil {
		t.OnEndElement(EndElementEvent{NS: ns, Local: local})
	}
}

func (t *Tokenizer) emitAttrName(ns, local string) {
	if t.OnAttributeName != nil {
		t.OnAttributeName(AttributeNameEvent{NS: ns, Local: local})
	}
}

func (t *Tokenizer) emitAttrValue(v string) {
	if t.OnAttributeValue != nil {
		t.OnAttributeValue(AttributeValueEvent{Value: v})
	}
}

func (t *Tokenizer) emitText(v string) {
	if t.OnText != nil {
		t.OnText(TextEvent{Data: v})
	}
}

// configure wires every state's self-loop (for triggerContinue) and its
// forward transitions, then attaches the entry action that does the
// actual byte-level work for that state.
func (t *Tokenizer) configure() {
	m := t.machine

	loop := func(s hsm.State) *hsm.StateConfig { return m.Configure(s).Permit(triggerContinue, s) }

	loop(stOpenElement).
		Permit(trLT, stAfterOpenAngle).
		Permit(trPeekOther, stText).
		OnEntry(t.enterOpenElement)

	loop(stAfterOpenAngle).
		Permit(trIsQuestion, stIgnoreDeclaration).
		Permit(trIsSlash, stEndElementName).
		Permit(trIsOther, stStartElementName).
		OnEntry(t.enterAfterOpenAngle)

	loop(stIgnoreDeclaration).
		Permit(trDeclEnd, stOpenElement).
		OnEntry(t.enterIgnoreDeclaration)

	loop(stStartElementName).
		Permit(trStartNameDone, stOptionalWhitespace).
		OnEntry(t.enterStartElementName)

	loop(stEndElementName).
		Permit(trEndNameDone, stCloseElement).
		OnEntry(t.enterEndElementName)

	loop(stCloseElement).
		Permit(trCloseDone, stOpenElement).
		OnEntry(t.enterCloseElement)

	loop(stOptionalWhitespace).
		Permit(trWSDone, stOptionalAttribute).
		OnEntry(t.enterOptionalWhitespace)

	loop(stOptionalAttribute).
		Permit(trAttrsEnd, stOptionalSlashAfterAttributes).
		Permit(trAttrName, stAttributeAssign).
		OnEntry(t.enterOptionalAttribute)

	loop(stAttributeAssign).
		Permit(trEq, stAttributeQuoteSelect).
		OnEntry(t.enterAttributeAssign)

	loop(stAttributeQuoteSelect).
		Permit(trSingleQuote, stAttributeBodySingle).
		Permit(trDoubleQuote, stAttributeBodyDouble).
		OnEntry(t.enterAttributeQuoteSelect)

	loop(stAttributeBodySingle).
		Permit(trBodyDone, stAttributeCloseSingle).
		OnEntry(t.enterAttributeBodySingle)

	loop(stAttributeBodyDouble).
		Permit(trBodyDone, stAttributeCloseDouble).
		OnEntry(t.enterAttributeBodyDouble)

	loop(stAttributeCloseSingle).
		Permit(trQuoteClosed, stOptionalWhitespace).
		OnEntry(t.enterAttributeCloseSingle)

	loop(stAttributeCloseDouble).
		Permit(trQuoteClosed, stOptionalWhitespace).
		OnEntry(t.enterAttributeCloseDouble)

	loop(stOptionalSlashAfterAttributes).
		Permit(trSlashSeen, stImmediateEndElement).
		Permit(trGTSeen, stOptionalOpenElement).
		OnEntry(t.enterOptionalSlashAfterAttributes)

	loop(stImmediateEndElement).
		Permit(trImmediateDone, stOpenElement).
		OnEntry(t.enterImmediateEndElement)

	loop(stOptionalOpenElement).
		Permit(trPeekLT, stOpenElement).
		Permit(trPeekOther, stText).
		OnEntry(t.enterOptionalOpenElement)

	loop(stText).
		Permit(trFoundLT, stOpenElement).
		OnEntry(t.enterText)
}

func (t *Tokenizer) enterOpenElement() {
	if len(t.buf) < 1 {
		return
	}
	if t.buf[0] != '<' {
		// Character data after an end tag (or before the first tag) is
		// read as text up to the next '<'.
		t.fire(trPeekOther)
		return
	}
	t.consume(1)
	t.fire(trLT)
}

func (t *Tokenizer) enterAfterOpenAngle() {
	if len(t.buf) < 1 {
		return
	}
	switch t.buf[0] {
	case '?':
		t.fire(trIsQuestion)
	case '/':
		t.consume(1)
		t.fire(trIsSlash)
	default:
		t.fire(trIsOther)
	}
}

func (t *Tokenizer) enterIgnoreDeclaration() {
	idx := strings.Index(string(t.buf), "?>")
	if idx < 0 {
		return
	}
	t.consume(idx + 2)
	t.fire(trDeclEnd)
}

func (t *Tokenizer) readNameUpTo(terminator func(byte) bool) (name string, ok bool) {
	for i := 0; i < len(t.buf); i++ {
		if terminator(t.buf[i]) {
			name = string(t.buf[:i])
			t.consume(i)
			return name, true
		}
	}
	return "", false
}

func (t *Tokenizer) enterStartElementName() {
	name, ok := t.readNameUpTo(isNameTerminator)
	if !ok {
		return
	}
	ns, local := splitName(name)
	t.emitStart(ns, local)
	t.fire(trStartNameDone)
}

func (t *Tokenizer) enterEndElementName() {
	name, ok := t.readNameUpTo(func(b byte) bool { return b == '>' || isWS(b) })
	if !ok {
		return
	}
	ns, local := splitName(name)
	t.emitEnd(ns, local)
	t.fire(trEndNameDone)
}

func (t *Tokenizer) enterCloseElement() {
	i := 0
	for i < len(t.buf) && isWS(t.buf[i]) {
		i++
	}
	if i >= len(t.buf) {
		t.consume(i)
		return
	}
	if t.buf[i] != '>' {
		// Malformed end tag trailer; wait is the only option without a
		// richer error channel here — unreachable for well-formed input.
		t.consume(i)
		return
	}
	t.consume(i + 1)
	t.fire(trCloseDone)
}

func (t *Tokenizer) enterOptionalWhitespace() {
	i := 0
	for i < len(t.buf) && (isWS(t.buf[i]) || t.buf[i] == '?') {
		i++
	}
	t.consume(i)
	if len(t.buf) < 1 {
		return
	}
	t.fire(trWSDone)
}

func (t *Tokenizer) enterOptionalAttribute() {
	if len(t.buf) < 1 {
		return
	}
	if t.buf[0] == '/' || t.buf[0] == '>' {
		t.fire(trAttrsEnd)
		return
	}
	for i := 0; i < len(t.buf); i++ {
		if t.buf[i] == '=' {
			name := string(t.buf[:i])
			t.consume(i)
			ns, local := splitName(name)
			t.pendingAttrNS, t.pendingAttrLoc = ns, local
			t.emitAttrName(ns, local)
			t.fire(trAttrName)
			return
		}
	}
}

func (t *Tokenizer) enterAttributeAssign() {
	if len(t.buf) < 1 {
		return
	}
	if t.buf[0] == '=' {
		t.consume(1)
	}
	t.fire(trEq)
}

func (t *Tokenizer) enterAttributeQuoteSelect() {
	if len(t.buf) < 1 {
		return
	}
	switch t.buf[0] {
	case '\'':
		t.consume(1)
		t.fire(trSingleQuote)
	case '"':
		t.consume(1)
		t.fire(trDoubleQuote)
	}
}

func (t *Tokenizer) readQuotedBody(delim byte) (value string, ok bool) {
	idx := -1
	for i := 0; i < len(t.buf); i++ {
		if t.buf[i] == delim {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	raw := string(t.buf[:idx])
	t.consume(idx)
	return unescapeEntities(raw), true
}

func (t *Tokenizer) enterAttributeBodySingle() {
	v, ok := t.readQuotedBody('\'')
	if !ok {
		return
	}
	t.emitAttrValue(v)
	t.fire(trBodyDone)
}

func (t *Tokenizer) enterAttributeBodyDouble() {
	v, ok := t.readQuotedBody('"')
	if !ok {
		return
	}
	t.emitAttrValue(v)
	t.fire(trBodyDone)
}

func (t *Tokenizer) enterAttributeCloseSingle() {
	if len(t.buf) < 1 {
		return
	}
	t.consume(1) // the closing '\''
	t.fire(trQuoteClosed)
}

func (t *Tokenizer) enterAttributeCloseDouble() {
	if len(t.buf) < 1 {
		return
	}
	t.consume(1) // the closing '"'
	t.fire(trQuoteClosed)
}

func (t *Tokenizer) enterOptionalSlashAfterAttributes() {
	if len(t.buf) < 1 {
		return
	}
	switch t.buf[0] {
	case '/':
		t.consume(1)
		t.fire(trSlashSeen)
	case '>':
		t.consume(1)
		t.fire(trGTSeen)
	}
}

func (t *Tokenizer) enterImmediateEndElement() {
	if len(t.buf) < 1 {
		return
	}
	if t.buf[0] != '>' {
		return
	}
	t.consume(1)
	t.emitEnd(t.lastStartNS, t.lastStartLocal)
	t.fire(trImmediateDone)
}

func (t *Tokenizer) enterOptionalOpenElement() {
	if len(t.buf) < 1 {
		return
	}
	if t.buf[0] == '<' {
		t.fire(trPeekLT)
		return
	}
	t.fire(trPeekOther)
}

func (t *Tokenizer) enterText() {
	idx := -1
	for i := 0; i < len(t.buf); i++ {
		if t.buf[i] == '<' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	raw := string(t.buf[:idx])
	t.consume(idx)
	t.emitText(unescapeEntities(raw))
	t.fire(trFoundLT)
}
