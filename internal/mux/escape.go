package mux

import "github.com/dhodovsk/conman/internal/object"

// EscapeAction identifies an in-band escape sequence recognized on a
// connected client's inbound stream. A literal 0xFF byte is
// transmitted doubled on the wire and is restored to a single 0xFF in
// the forwarded stream without producing an action.
type EscapeAction int

const (
	EscNone EscapeAction = iota
	EscBreak
	EscDisconnect
	EscHelp
	EscInfo
	EscToggleLog
	EscToggleQuiet
	EscSuspend
)

const escChar = 0xFF

var escByteActions = map[byte]EscapeAction{
	'B': EscBreak,
	'.': EscDisconnect,
	'?': EscHelp,
	'I': EscInfo,
	'L': EscToggleLog,
	'Q': EscToggleQuiet,
	'Z': EscSuspend,
}

// FilterEscapes scans data (a chunk just read from a CLIENT's fd)
// through the two-state escape recognizer, mutating state in place
// (only the mux touches EscState).
// It returns the bytes that should still be forwarded to the linked
// console(s), with escape sequences and the literal-0xFF doubling
// collapsed out, plus any recognized actions, in the order they
// occurred.
func FilterEscapes(state *object.EscapeState, data []byte) (forward []byte, actions []EscapeAction) {
	forward = make([]byte, 0, len(data))
	for _, b := range data {
		switch *state {
		case object.EscIdle:
			if b == escChar {
				*state = object.EscAwaitSecondByte
				continue
			}
			forward = append(forward, b)
		case object.EscAwaitSecondByte:
			*state = object.EscIdle
			if b == escChar {
				// doubled 0xFF: forward a single literal escape byte
				forward = append(forward, escChar)
				continue
			}
			if act, ok := escByteActions[b]; ok {
				actions = append(actions, act)
				continue
			}
			// unrecognized second byte: drop the whole (invalid)
			// sequence rather than risk forwarding a stray control
			// byte the console wasn't meant to see.
		}
	}
	return forward, actions
}
