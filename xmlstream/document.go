package xmlstream

import (
	"fmt"
	"sort"
)

// MalformedDocumentError reports a structural defect the assembler can't
// recover from — currently only a start/end tag name mismatch.
type MalformedDocumentError struct {
	Want, Got string
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("xmlstream: end tag %q does not match open element %q", e.Got, e.Want)
}

// Assembler consumes a Tokenizer's events and assembles them into
// Element trees. It emits one *Element per depth-1 element that closes —
// a synthetic root is never itself exposed — which lets a single
// Assembler front a document stream containing many top-level elements
// back to back (the XMPP stream convention), not only one XML document
// per connection.
type Assembler struct {
	root  *Element
	stack []*Element

	pendingAttrNS, pendingAttrLocal string
	pendingAttrSet                  bool

	OnDocumentParsed func(*Element)
	OnMalformed      func(error)
}

// NewAssembler wires itself to tok's events and returns ready to receive
// OnDocumentParsed callbacks as elements close.
func NewAssembler(tok *Tokenizer) *Assembler {
	a := &Assembler{}
	a.resetRoot()

	tok.OnStartElement = a.handleStart
	tok.OnEndElement = a.handleEnd
	tok.OnAttributeName = a.handleAttrName
	tok.OnAttributeValue = a.handleAttrValue
	tok.OnText = a.handleText

	return a
}

func (a *Assembler) resetRoot() {
	a.root = NewElement("", "")
	a.stack = []*Element{a.root}
}

func (a *Assembler) top() *Element { return a.stack[len(a.stack)-1] }

func (a *Assembler) handleStart(ev StartElementEvent) {
	child := NewElement(ev.NS, ev.Local)
	a.top().addChild(child)
	a.stack = append(a.stack, child)
}

func (a *Assembler) handleAttrName(ev AttributeNameEvent) {
	a.pendingAttrNS, a.pendingAttrLocal = ev.NS, ev.Local
	a.pendingAttrSet = true
}

func (a *Assembler) handleAttrValue(ev AttributeValueEvent) {
	if !a.pendingAttrSet {
		return
	}
	a.top().setAttr(a.pendingAttrNS, a.pendingAttrLocal, ev.Value)
	a.pendingAttrSet = false
}

func (a *Assembler) handleText(ev TextEvent) {
	// Mixed-content text is concatenated onto whatever text the element
	// already accumulated, rather than overwritten by the latest run.
	a.top().Text += ev.Data
}

func (a *Assembler) handleEnd(ev EndElementEvent) {
	if len(a.stack) <= 1 {
		// An end tag with no corresponding open element on the stack;
		// can't happen from a well-formed Tokenizer feed, ignored
		// defensively rather than panicking on malformed input.
		return
	}

	popped := a.top()
	a.stack = a.stack[:len(a.stack)-1]

	if popped.NS != ev.NS || popped.Local != ev.Local {
		if a.OnMalformed != nil {
			a.OnMalformed(&MalformedDocumentError{
				Want: elementKey(popped.NS, popped.Local),
				Got:  elementKey(ev.NS, ev.Local),
			})
		}
		return
	}

	if a.top() == a.root {
		if a.OnDocumentParsed != nil {
			a.OnDocumentParsed(popped)
		}
		a.resetRoot()
	}
}

// Serialize renders e as an XML fragment, escaping attribute values and
// text per the same five-entity table Append unescapes.
func Serialize(e *Element) string {
	var b []byte
	b = appendElement(b, e)
	return string(b)
}

func appendElement(b []byte, e *Element) []byte {
	name := qualifiedName(e.NS, e.Local)
	b = append(b, '<')
	b = append(b, name...)

	keys := make([]string, 0, len(e.attributes))
	for k := range e.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a := e.attributes[k]
		b = append(b, ' ')
		b = append(b, qualifiedName(a.NS, a.Local)...)
		b = append(b, '=', '\'')
		b = append(b, escapeEntities(a.Value)...)
		b = append(b, '\'')
	}
	if e.Text == "" && len(e.childOrder) == 0 {
		b = append(b, '/', '>')
		return b
	}
	b = append(b, '>')
	b = append(b, escapeEntities(e.Text)...)
	for _, c := range e.childOrder {
		b = appendElement(b, c)
	}
	b = append(b, '<', '/')
	b = append(b, name...)
	b = append(b, '>')
	return b
}

func qualifiedName(ns, local string) string {
	if ns == "" {
		return local
	}
	return ns + ":" + local
}
