// Package httpframe implements byte-incremental HTTP/1.1 framing: a
// request reader paired with a response writer (server side), and a
// response reader paired with a request writer (client side). Both
// sides are built on the same non-blocking discipline as the xmlstream
// tokenizer — Append (delivered here via a transport.Pipe's Data event)
// never blocks, and a state that can't yet complete its token simply
// returns and waits for more bytes.
package httpframe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

func indexCRLF(buf []byte) int {
	return bytes.Index(buf, []byte("\r\n"))
}

// splitHeaderLine splits "Key: value" on the first ':' and drops one
// space after it if present — a line whose colon isn't followed by a
// space still splits; only a line with no ':' at all is rejected.
func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	key = line[:idx]
	rest := line[idx+1:]
	rest = strings.TrimPrefix(rest, " ")
	return key, rest, true
}

// splitFirstLine splits a request or status line on exactly its first
// two spaces into three fields.
func splitFirstLine(line string) (a, b, c string, ok bool) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return "", "", "", false
	}
	j := strings.IndexByte(line[i+1:], ' ')
	if j < 0 {
		return "", "", "", false
	}
	j += i + 1
	return line[:i], line[i+1 : j], line[j+1:], true
}

func writeChunk(data []byte) []byte {
	return []byte(fmt.Sprintf("%x\r\n%s\r\n", len(data), data))
}

func parseHexSize(s string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
