// Package protocol implements the ConMan wire grammar: the HELLO
// greeting, the CONNECT/MONITOR/QUERY/EXECUTE
// request line, and the OK/ERROR response lines. Parsing is built on
// top of package lex; this package supplies the keyword table and the
// higher-level request/response shapes the session worker consumes.
package protocol

import (
	"fmt"
	"strings"

	"github.com/dhodovsk/conman/internal/lex"
)

// Keyword indices, in table order. Keep in sync with keywordTable.
const (
	kwOK = iota
	kwError
	kwBroadcast
	kwCode
	kwConnect
	kwConsole
	kwExecute
	kwForce
	kwHello
	kwJoin
	kwMessage
	kwMonitor
	kwOption
	kwProgram
	kwQuery
	kwQuiet
	kwRegex
	kwUser
)

var keywordTable = []string{
	"OK",
	"ERROR",
	"BROADCAST",
	"CODE",
	"CONNECT",
	"CONSOLE",
	"EXECUTE",
	"FORCE",
	"HELLO",
	"JOIN",
	"MESSAGE",
	"MONITOR",
	"OPTION",
	"PROGRAM",
	"QUERY",
	"QUIET",
	"REGEX",
	"USER",
}

// Command identifies the request verb.
type Command int

const (
	CmdNone Command = iota
	CmdConnect
	CmdMonitor
	CmdQuery
	CmdExecute
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdMonitor:
		return "MONITOR"
	case CmdQuery:
		return "QUERY"
	case CmdExecute:
		return "EXECUTE"
	default:
		return "NONE"
	}
}

// ErrCode is the numeric error code sent in an ERROR response.
type ErrCode int

const (
	ErrNone            ErrCode = 0
	ErrLocal           ErrCode = 1
	ErrBadRequest      ErrCode = 2
	ErrBadRegex        ErrCode = 3
	ErrAuthenticate    ErrCode = 4
	ErrNoConsoles      ErrCode = 5
	ErrTooManyConsoles ErrCode = 6
	ErrBusyConsoles    ErrCode = 7
	ErrNoResources     ErrCode = 8
)

// ProtoError pairs an ErrCode with a human-readable message, matching
// the ERROR response body.
type ProtoError struct {
	Code    ErrCode
	Message string
}

func (e *ProtoError) Error() string {
	return fmt.Sprintf("CODE=%d MESSAGE=%q", e.Code, e.Message)
}

// Request is the parsed form of a CONNECT/MONITOR/QUERY/EXECUTE line,
// before console-name patterns have been resolved to console objects
// (see package resolver for that step).
type Request struct {
	Command        Command
	ConsolePattern []string
	Program        string
	Force          bool
	Broadcast      bool
	Join           bool
	Regex          bool
	Quiet          bool
}

// ParseGreeting lexes the first line of a session:
//
//	HELLO USER='<user>'
//
// Returns the decoded user name, or a *ProtoError (always ErrBadRequest)
// if the line does not match.
func ParseGreeting(line string) (user string, err error) {
	l := lex.New(line, keywordTable)
	it := l.Next()
	if it.Tok != lex.IDENT || it.Keyword != kwHello {
		return "", &ProtoError{ErrBadRequest, "Invalid greeting: expected HELLO"}
	}
	for {
		it = l.Next()
		switch it.Tok {
		case lex.EOF, lex.EOL:
			if user == "" {
				return "", &ProtoError{ErrBadRequest, "Invalid greeting: no user specified"}
			}
			return user, nil
		case lex.ERR:
			return "", &ProtoError{ErrBadRequest, "Invalid greeting: " + it.ErrMsg}
		case lex.IDENT:
			if it.Keyword == kwUser {
				eq := l.Next()
				str := l.Next()
				if eq.Tok == lex.PUNCT && eq.Text == "=" && str.Tok == lex.STR && str.Text != "" {
					user = str.Text
				}
			}
			// unknown tokens are silently skipped for forward compatibility
		default:
			// punctuators/strings encountered out of context: skip
		}
	}
}

// ParseRequest lexes the second line of a session: a command keyword
// followed by any number of option clauses in any order.
func ParseRequest(line string) (*Request, error) {
	l := lex.New(line, keywordTable)
	it := l.Next()

	req := &Request{}
	switch {
	case it.Tok == lex.IDENT && it.Keyword == kwConnect:
		req.Command = CmdConnect
	case it.Tok == lex.IDENT && it.Keyword == kwMonitor:
		req.Command = CmdMonitor
	case it.Tok == lex.IDENT && it.Keyword == kwQuery:
		req.Command = CmdQuery
	case it.Tok == lex.IDENT && it.Keyword == kwExecute:
		req.Command = CmdExecute
	case it.Tok == lex.ERR:
		return nil, &ProtoError{ErrBadRequest, "Invalid request: " + it.ErrMsg}
	default:
		return nil, &ProtoError{ErrBadRequest, "Invalid request: unrecognized command"}
	}

	if err := parseOptions(l, req); err != nil {
		return nil, err
	}
	return req, nil
}

func parseOptions(l *lex.Lexer, req *Request) error {
	for {
		it := l.Next()
		switch it.Tok {
		case lex.EOF, lex.EOL:
			return nil
		case lex.ERR:
			return &ProtoError{ErrBadRequest, "Invalid request: " + it.ErrMsg}
		case lex.IDENT:
			switch it.Keyword {
			case kwConsole:
				eq := l.Next()
				str := l.Next()
				if eq.Tok == lex.PUNCT && eq.Text == "=" && str.Tok == lex.STR && str.Text != "" {
					req.ConsolePattern = append(req.ConsolePattern, str.Text)
				}
			case kwOption:
				eq := l.Next()
				if eq.Tok != lex.PUNCT || eq.Text != "=" {
					continue
				}
				val := l.Next()
				switch val.Keyword {
				case kwForce:
					req.Force = true
				case kwBroadcast:
					req.Broadcast = true
				case kwJoin:
					req.Join = true
				case kwRegex:
					req.Regex = true
				case kwQuiet:
					req.Quiet = true
				}
			case kwProgram:
				eq := l.Next()
				str := l.Next()
				if eq.Tok == lex.PUNCT && eq.Text == "=" && str.Tok == lex.STR {
					req.Program = str.Text
				}
			default:
				// unknown keyword: skip for forward compatibility
			}
		default:
			// stray punctuator/string outside of a recognized clause: skip
		}
	}
}

// EncodeOK renders the "OK\n" response line.
func EncodeOK() string {
	return "OK\n"
}

// EncodeError renders an "ERROR CODE=<n> MESSAGE='<text>'\n" response
// line. The message must not itself contain an unescaped single quote;
// Encode takes care of that.
func EncodeError(e *ProtoError) string {
	return fmt.Sprintf("ERROR CODE=%d MESSAGE=%s\n", e.Code, lex.Encode(e.Message))
}

// EncodeConsoleLine renders one console name line for a QUERY response.
func EncodeConsoleLine(name string) string {
	return name + "\n"
}

// ParseResponse lexes one server response line: either "OK" or
// "ERROR CODE=<n> MESSAGE='<text>'". Used by the client program to
// interpret the greeting ack and request result.
func ParseResponse(line string) (ok bool, protoErr *ProtoError, err error) {
	l := lex.New(line, keywordTable)
	it := l.Next()
	switch {
	case it.Tok == lex.IDENT && it.Keyword == kwOK:
		return true, nil, nil
	case it.Tok == lex.IDENT && it.Keyword == kwError:
		pe := &ProtoError{}
		for {
			tok := l.Next()
			if tok.Tok == lex.EOF || tok.Tok == lex.EOL {
				break
			}
			if tok.Tok != lex.IDENT {
				continue
			}
			eq := l.Next()
			if eq.Tok != lex.PUNCT || eq.Text != "=" {
				l.PushBack(eq)
				continue
			}
			val := l.Next()
			switch tok.Keyword {
			case kwCode:
				var code int
				fmt.Sscanf(val.Text, "%d", &code)
				pe.Code = ErrCode(code)
			case kwMessage:
				pe.Message = val.Text
			}
		}
		return false, pe, nil
	default:
		return false, nil, fmt.Errorf("malformed response line: %q", line)
	}
}

// EncodeGreeting renders the client's first line: HELLO USER='<user>'\n.
func EncodeGreeting(user string) string {
	return fmt.Sprintf("HELLO USER=%s\n", lex.Encode(user))
}

// EncodeRequest renders the client's second line from a Request, the
// inverse of ParseRequest. Used by the client program (package conman)
// to build the CONNECT/MONITOR/QUERY line it sends.
func EncodeRequest(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Command.String())
	for _, pat := range req.ConsolePattern {
		b.WriteString(" CONSOLE=")
		b.WriteString(lex.Encode(pat))
	}
	if req.Force {
		b.WriteString(" OPTION=FORCE")
	}
	if req.Broadcast {
		b.WriteString(" OPTION=BROADCAST")
	}
	if req.Join {
		b.WriteString(" OPTION=JOIN")
	}
	if req.Regex {
		b.WriteString(" OPTION=REGEX")
	}
	if req.Quiet {
		b.WriteString(" OPTION=QUIET")
	}
	if req.Program != "" {
		b.WriteString(" PROGRAM=")
		b.WriteString(lex.Encode(req.Program))
	}
	b.WriteString("\n")
	return b.String()
}
