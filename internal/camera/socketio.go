package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// socket.io packet types.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
	sioBinaryEvent  = '5'
)

// websocketURL maps an http(s) socket.io base URL to its websocket transport endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse image server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported image server scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// eventPacket is a parsed socket.io EVENT or BINARY_EVENT.
type eventPacket struct {
	name        string
	args        []any
	attachments int
}

// parseEvent parses the socket.io part of an Engine.IO message.
func parseEvent(s string) (*eventPacket, error) {
	if s == "" {
		return nil, fmt.Errorf("empty packet")
	}
	kind := s[0]
	s = s[1:]
	pkt := &eventPacket{}
	if kind == sioBinaryEvent {
		n, rest, ok := strings.Cut(s, "-")
		if !ok {
			return nil, fmt.Errorf("binary event without attachment count")
		}
		count, err := strconv.Atoi(n)
		if err != nil || count < 0 {
			return nil, fmt.Errorf("bad attachment count %q", n)
		}
		pkt.attachments = count
		s = rest
	}
	if strings.HasPrefix(s, "/") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		} else {
			s = ""
		}
	}
	// ack id
	for len(s) > 0 && s[0] >= '0' && s[0] <= '9' {
		s = s[1:]
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&pkt.args); err != nil {
		return nil, fmt.Errorf("decode event args: %w", err)
	}
	if len(pkt.args) == 0 {
		return nil, fmt.Errorf("event without name")
	}
	name, ok := pkt.args[0].(string)
	if !ok {
		return nil, fmt.Errorf("event name is %T", pkt.args[0])
	}
	pkt.name = name
	pkt.args = pkt.args[1:]
	return pkt, nil
}

// fillPlaceholders swaps {"_placeholder":true,"num":N} nodes for the
// matching binary attachment.
func fillPlaceholders(v any, attachments [][]byte) any {
	switch x := v.(type) {
	case map[string]any:
		if ph, _ := x["_placeholder"].(bool); ph {
			if num, ok := x["num"].(json.Number); ok {
				if i, err := num.Int64(); err == nil && i >= 0 && int(i) < len(attachments) {
					return attachments[i]
				}
			}
			return nil
		}
		for k, item := range x {
			x[k] = fillPlaceholders(item, attachments)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = fillPlaceholders(item, attachments)
		}
		return x
	}
	return v
}

// waitEvent connects to the socket.io server and returns the first argument
// of the first event called name. The connection is closed on return.
func waitEvent(ctx context.Context, base, name string) (any, error) {
	wsURL, err := websocketURL(base)
	if err != nil {
		return nil, &TransportError{Op: "url", Err: err}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(32 << 20)

	var (
		pending     *eventPacket
		attachments [][]byte
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		if typ == websocket.MessageBinary {
			if pending == nil {
				continue
			}
			attachments = append(attachments, data)
			if len(attachments) < pending.attachments {
				continue
			}
			return firstArg(pending, attachments), nil
		}

		msg := string(data)
		if msg == "" {
			continue
		}
		switch msg[0] {
		case eioOpen:
			if err := conn.Write(ctx, websocket.MessageText, []byte{eioMessage, sioConnect}); err != nil {
				return nil, &TransportError{Op: "connect", Err: err}
			}
		case eioPing:
			if err := conn.Write(ctx, websocket.MessageText, []byte{eioPong}); err != nil {
				return nil, &TransportError{Op: "pong", Err: err}
			}
		case eioClose:
			return nil, &TransportError{Op: "read", Err: fmt.Errorf("server closed session")}
		case eioMessage:
			if len(msg) < 2 {
				continue
			}
			switch msg[1] {
			case sioConnectError:
				return nil, &TransportError{Op: "connect", Err: fmt.Errorf("namespace refused: %s", msg[2:])}
			case sioDisconnect:
				return nil, &TransportError{Op: "read", Err: fmt.Errorf("namespace disconnected")}
			case sioEvent, sioBinaryEvent:
				pkt, err := parseEvent(msg[1:])
				if err != nil || pkt.name != name {
					continue
				}
				if pkt.attachments == 0 {
					return firstArg(pkt, nil), nil
				}
				pending, attachments = pkt, nil
			}
		}
	}
}

func firstArg(pkt *eventPacket, attachments [][]byte) any {
	if len(pkt.args) == 0 {
		return nil
	}
	return fillPlaceholders(pkt.args[0], attachments)
}
