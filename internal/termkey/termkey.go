// Package termkey encodes, decodes, and matches terminal identity keys.
//
// A terminal key is the stable string identity used to locate the OS window
// hosting a session. The wire grammar is PREFIX:payload, with prefixes
// ITERM, KITTY, WEZTERM, TERM, TTY, PID, AUTO, UNKNOWN, and DISCOVERED.
// DISCOVERED wraps one inner representative produced by process scanning:
// iTerm2:...:<uuid>, TTY:<path>[:<pid>], or PID:<pid>.
package termkey

import (
	"strconv"
	"strings"
)

// Kind identifies the terminal key variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindITerm
	KindKitty
	KindWezTerm
	KindTerm
	KindTTY
	KindPID
	KindAuto
	KindDiscovered
)

// String returns the wire prefix for the kind.
func (k Kind) String() string {
	switch k {
	case KindITerm:
		return "ITERM"
	case KindKitty:
		return "KITTY"
	case KindWezTerm:
		return "WEZTERM"
	case KindTerm:
		return "TERM"
	case KindTTY:
		return "TTY"
	case KindPID:
		return "PID"
	case KindAuto:
		return "AUTO"
	case KindDiscovered:
		return "DISCOVERED"
	default:
		return "UNKNOWN"
	}
}

// discoveredInnerITerm is the inner type tag used by the scanner for
// iTerm-derived discovered keys. Case matters on the wire.
const discoveredInnerITerm = "iTerm2"

// Key is a parsed terminal key. Parse is total: any input yields a Key,
// unparsable input yields KindUnknown with the raw string preserved.
type Key struct {
	Kind    Kind
	Payload string // everything after the prefix

	// Decoded identity fields, populated per kind.
	SessionID string // ITERM session uuid, TERM session id
	TTY       string // TTY device path
	PID       int    // PID keys, optional suffix on discovered TTY keys

	// Inner is the unwrapped representative for KindDiscovered.
	Inner *Key
}

// Parse decodes a raw key string. It never fails; anything that does not
// match the grammar comes back as KindUnknown carrying the raw payload.
func Parse(raw string) Key {
	prefix, payload, ok := strings.Cut(raw, ":")
	if !ok {
		return Key{Kind: KindUnknown, Payload: raw}
	}

	switch prefix {
	case "ITERM":
		return Key{Kind: KindITerm, Payload: payload, SessionID: itermUUID(payload)}
	case "KITTY":
		return Key{Kind: KindKitty, Payload: payload, SessionID: payload}
	case "WEZTERM":
		return Key{Kind: KindWezTerm, Payload: payload, SessionID: payload}
	case "TERM":
		return Key{Kind: KindTerm, Payload: payload, SessionID: payload}
	case "TTY":
		tty, pid := splitTTYPayload(payload)
		return Key{Kind: KindTTY, Payload: payload, TTY: tty, PID: pid}
	case "PID":
		pid, err := strconv.Atoi(payload)
		if err != nil {
			return Key{Kind: KindUnknown, Payload: raw}
		}
		return Key{Kind: KindPID, Payload: payload, PID: pid}
	case "AUTO":
		return Key{Kind: KindAuto, Payload: payload}
	case "UNKNOWN":
		return Key{Kind: KindUnknown, Payload: payload}
	case "DISCOVERED":
		return parseDiscovered(payload)
	default:
		return Key{Kind: KindUnknown, Payload: raw}
	}
}

// parseDiscovered decodes the nested InnerType:innerPayload representative.
func parseDiscovered(payload string) Key {
	innerType, innerPayload, ok := strings.Cut(payload, ":")
	if !ok {
		return Key{Kind: KindUnknown, Payload: payload}
	}

	var inner Key
	switch innerType {
	case discoveredInnerITerm:
		inner = Key{Kind: KindITerm, Payload: innerPayload, SessionID: itermUUID(innerPayload)}
	case "TTY":
		tty, pid := splitTTYPayload(innerPayload)
		inner = Key{Kind: KindTTY, Payload: innerPayload, TTY: tty, PID: pid}
	case "PID":
		pid, err := strconv.Atoi(innerPayload)
		if err != nil {
			return Key{Kind: KindUnknown, Payload: payload}
		}
		inner = Key{Kind: KindPID, Payload: innerPayload, PID: pid}
	default:
		return Key{Kind: KindUnknown, Payload: payload}
	}

	return Key{Kind: KindDiscovered, Payload: payload, Inner: &inner}
}

// itermUUID extracts the session uuid from an iTerm payload. iTerm session
// ids look like "w0t0p0:UUID"; the uuid is the last colon segment. Payloads
// without a colon are already a bare uuid.
func itermUUID(payload string) string {
	if i := strings.LastIndex(payload, ":"); i >= 0 {
		return payload[i+1:]
	}
	return payload
}

// splitTTYPayload separates "<path>[:<pid>]". A trailing segment is only
// treated as a pid when it is numeric; tty paths themselves never contain
// colons.
func splitTTYPayload(payload string) (string, int) {
	i := strings.LastIndex(payload, ":")
	if i < 0 {
		return payload, 0
	}
	pid, err := strconv.Atoi(payload[i+1:])
	if err != nil {
		return payload, 0
	}
	return payload[:i], pid
}

// String rebuilds the wire form. It is the inverse of Parse for keys
// produced by the builders.
func (k Key) String() string {
	switch k.Kind {
	case KindDiscovered:
		if k.Payload != "" {
			return "DISCOVERED:" + k.Payload
		}
		if k.Inner != nil {
			return "DISCOVERED:" + k.Inner.discoveredPayload()
		}
		return "DISCOVERED:"
	default:
		return k.Kind.String() + ":" + k.Payload
	}
}

// discoveredPayload renders a key as the inner payload of a DISCOVERED key.
func (k Key) discoveredPayload() string {
	switch k.Kind {
	case KindITerm:
		return discoveredInnerITerm + ":" + k.Payload
	default:
		return k.Kind.String() + ":" + k.Payload
	}
}

// Unwrap resolves a DISCOVERED key to its inner representative. All other
// kinds return themselves.
func (k Key) Unwrap() Key {
	if k.Kind == KindDiscovered && k.Inner != nil {
		return *k.Inner
	}
	return k
}

// IsZero reports whether the key carries no identity at all.
func (k Key) IsZero() bool {
	return k.Kind == KindUnknown && k.Payload == ""
}

// Match reports whether two keys identify the same terminal. DISCOVERED
// keys are unwrapped first, so a discovered key and its plain equivalent
// are related without being byte-equal. Identity comparison is per kind:
// iTerm keys match on session uuid, TTY keys on device path, PID keys on
// pid; everything else requires an exact payload match within one kind.
func Match(a, b Key) bool {
	a, b = a.Unwrap(), b.Unwrap()
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindITerm:
		return a.SessionID != "" && a.SessionID == b.SessionID
	case KindTTY:
		return a.TTY != "" && a.TTY == b.TTY
	case KindPID:
		return a.PID != 0 && a.PID == b.PID
	case KindKitty, KindWezTerm, KindTerm:
		return a.SessionID != "" && a.SessionID == b.SessionID
	default:
		return a.Payload != "" && a.Payload == b.Payload
	}
}

// Builders. Each is the inverse of Parse for round-tripping.

// ITerm builds an ITERM key from a raw ITERM_SESSION_ID value.
func ITerm(sessionID string) Key {
	return Key{Kind: KindITerm, Payload: sessionID, SessionID: itermUUID(sessionID)}
}

// Kitty builds a KITTY key from a kitty window id.
func Kitty(windowID string) Key {
	return Key{Kind: KindKitty, Payload: windowID, SessionID: windowID}
}

// WezTerm builds a WEZTERM key from a wezterm pane id.
func WezTerm(paneID string) Key {
	return Key{Kind: KindWezTerm, Payload: paneID, SessionID: paneID}
}

// Term builds a TERM key from a Terminal.app session id.
func Term(sessionID string) Key {
	return Key{Kind: KindTerm, Payload: sessionID, SessionID: sessionID}
}

// TTY builds a TTY key from a device path.
func TTY(path string) Key {
	return Key{Kind: KindTTY, Payload: path, TTY: path}
}

// PID builds a PID key.
func PID(pid int) Key {
	return Key{Kind: KindPID, Payload: strconv.Itoa(pid), PID: pid}
}

// Unknown builds a synthetic UNKNOWN key. The registry uses these as the
// fallback identity for sessions with no known terminal.
func Unknown(payload string) Key {
	return Key{Kind: KindUnknown, Payload: payload}
}

// Auto builds a synthetic AUTO key, typically payloaded with the session
// id it stands in for.
func Auto(payload string) Key {
	return Key{Kind: KindAuto, Payload: payload}
}

// Discovered wraps an inner representative in a DISCOVERED key. Only iTerm,
// TTY, and PID representatives are valid; other kinds degrade to UNKNOWN.
func Discovered(inner Key) Key {
	switch inner.Kind {
	case KindITerm, KindTTY, KindPID:
		in := inner
		return Key{Kind: KindDiscovered, Payload: in.discoveredPayload(), Inner: &in}
	default:
		return Key{Kind: KindUnknown, Payload: inner.String()}
	}
}

// DiscoveredTTY builds a DISCOVERED key for a tty path with an optional pid.
func DiscoveredTTY(path string, pid int) Key {
	payload := path
	if pid > 0 {
		payload = path + ":" + strconv.Itoa(pid)
	}
	inner := Key{Kind: KindTTY, Payload: payload, TTY: path, PID: pid}
	return Key{Kind: KindDiscovered, Payload: inner.discoveredPayload(), Inner: &inner}
}
