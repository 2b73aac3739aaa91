package push

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// STOMP 1.2 commands used by the client.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
	cmdReceipt     = "RECEIPT"
)

var errMalformedFrame = errors.New("stomp: malformed frame")

// Frame is one STOMP frame. Headers keep wire order; the first occurrence wins on lookup.
type Frame struct {
	Command string
	Headers [][2]string
	Body    []byte
}

func NewFrame(cmd string, kv ...string) Frame {
	f := Frame{Command: cmd}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, [2]string{kv[i], kv[i+1]})
	}
	return f
}

func (f Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h[0] == key {
			return h[1], true
		}
	}
	return "", false
}

// Encode renders f for the wire. CONNECT and CONNECTED headers are not escaped.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	raw := f.Command == cmdConnect || f.Command == cmdConnected
	for _, h := range f.Headers {
		if raw {
			b.WriteString(h[0] + ":" + h[1])
		} else {
			b.WriteString(escape(h[0]) + ":" + escape(h[1]))
		}
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Header("content-length"); !ok {
			b.WriteString("content-length:" + strconv.Itoa(len(f.Body)) + "\n")
		}
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Decode parses every frame in data. Heart-beat EOLs between frames are skipped.
func Decode(data []byte) ([]Frame, error) {
	var out []Frame
	for {
		data = bytes.TrimLeft(data, "\r\n")
		if len(data) == 0 {
			return out, nil
		}
		f, rest, err := decodeOne(data)
		if err != nil {
			return out, err
		}
		out = append(out, f)
		data = rest
	}
}

func decodeOne(data []byte) (Frame, []byte, error) {
	sep := bytes.Index(data, []byte("\n\n"))
	lineSep := "\n"
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (sep < 0 || crlf < sep) {
		sep, lineSep = crlf, "\r\n"
	}
	if sep < 0 {
		return Frame{}, nil, errMalformedFrame
	}
	head := strings.Split(string(data[:sep]), lineSep)
	rest := data[sep+2*len(lineSep):]

	f := Frame{Command: strings.TrimSpace(head[0])}
	if f.Command == "" {
		return Frame{}, nil, errMalformedFrame
	}
	raw := f.Command == cmdConnect || f.Command == cmdConnected
	for _, line := range head[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, nil, fmt.Errorf("%w: header %q", errMalformedFrame, line)
		}
		if !raw {
			k, v = unescape(k), unescape(v)
		}
		f.Headers = append(f.Headers, [2]string{k, v})
	}

	if cl, ok := f.Header("content-length"); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n >= len(rest) || rest[n] != 0 {
			return Frame{}, nil, fmt.Errorf("%w: content-length", errMalformedFrame)
		}
		f.Body = rest[:n]
		return f, rest[n+1:], nil
	}
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return Frame{}, nil, fmt.Errorf("%w: missing NUL", errMalformedFrame)
	}
	f.Body = rest[:end]
	return f, rest[end+1:], nil
}

var (
	escaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	unescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")
)

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }
