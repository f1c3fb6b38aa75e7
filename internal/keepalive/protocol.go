// Package keepalive implements the duplex channel between in-page counting
// agents and the session tracker.
//
// Agents send one JSON message per event:
//
//	{"type":"start|tick|stop","domain":"chatgpt.com","timestamp":1714550400000}
//
// timestamp is epoch milliseconds. The server never replies; it only closes
// the channel, with StatusHostInvalidated when the agent must not reconnect.
package keepalive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/goodtune/kfocus/internal/usage"
)

// StatusHostInvalidated closes a channel for good. Agents receiving it stop
// reconnecting until the page is loaded again.
const StatusHostInvalidated websocket.StatusCode = 4000

// MaxClockSkew is how far ahead of the server clock an event timestamp may
// be. Later timestamps are malformed.
const MaxClockSkew = time.Minute

// ErrMalformed marks an inbound message that cannot become an event.
var ErrMalformed = errors.New("keepalive: malformed message")

// Message is the wire form of an agent event.
type Message struct {
	Type      usage.EventType `json:"type"`
	Domain    string          `json:"domain,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// NewMessage builds an outbound message stamped with at.
func NewMessage(typ usage.EventType, domain string, at time.Time) Message {
	return Message{
		Type:      typ,
		Domain:    domain,
		Timestamp: json.RawMessage(fmt.Sprintf("%d", at.UnixMilli())),
	}
}

// Decode parses data into an event for contextID. A missing domain falls
// back to fallbackDomain and a missing timestamp to now; a timestamp that is
// present but not a positive finite number, or more than MaxClockSkew ahead
// of now, is malformed.
func Decode(data []byte, contextID, container, fallbackDomain string, now time.Time) (usage.Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return usage.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case usage.EventStart, usage.EventTick, usage.EventStop:
	default:
		return usage.Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}

	at, err := decodeTimestamp(msg.Timestamp, now)
	if err != nil {
		return usage.Event{}, err
	}

	domain := strings.ToLower(strings.TrimSpace(msg.Domain))
	if domain == "" {
		domain = fallbackDomain
	}

	return usage.Event{
		Type:      msg.Type,
		Context:   contextID,
		Container: container,
		Domain:    domain,
		Time:      at,
	}, nil
}

func decodeTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrMalformed, raw)
	}
	if ms <= 0 || math.IsInf(ms, 0) || math.IsNaN(ms) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrMalformed, raw)
	}
	if ms > float64(now.Add(MaxClockSkew).UnixMilli()) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s is ahead of the server clock", ErrMalformed, raw)
	}
	whole := math.Trunc(ms)
	frac := time.Duration((ms - whole) * float64(time.Millisecond))
	return time.UnixMilli(int64(whole)).Add(frac), nil
}

// HostOf returns the lower-case hostname of an http(s) page URL, or "".
func HostOf(pageURL string) string {
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
