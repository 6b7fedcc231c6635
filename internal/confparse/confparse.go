// Package confparse parses /etc/conman.conf: CONSOLE, LOGFILE, and
// SERVER stanzas, one per line, reusing package lex's tokenizer
// against the same keyword/punctuator/string grammar the wire
// protocol uses.
//
// Example line shapes:
//
//	SERVER listen='127.0.0.1:7890' replaylen='4096'
//	CONSOLE name='A' dev='/dev/ttyS0' baud='9600' parity='none' stop='1' logfile='A'
//	CONSOLE name='B' host='10.0.0.5:7000'
//	LOGFILE name='A' path='/var/log/conman/A.log' timestamp
package confparse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dhodovsk/conman/internal/lex"
)

// kwLogfile serves double duty: as the CONSOLE/LOGFILE stanza
// keyword at the start of a line, and as the LOGFILE= attribute key
// on a CONSOLE line (`CONSOLE ... LOGFILE='name'`); both
// spellings are the same token, so one keyword index is correct.
const (
	kwServer = iota
	kwConsole
	kwLogfile
	kwName
	kwDev
	kwBaud
	kwParity
	kwStop
	kwHost
	kwListen
	kwReplaylen
	kwPath
	kwTimestamp
)

var keywordTable = []string{
	"SERVER",
	"CONSOLE",
	"LOGFILE",
	"NAME",
	"DEV",
	"BAUD",
	"PARITY",
	"STOP",
	"HOST",
	"LISTEN",
	"REPLAYLEN",
	"PATH",
	"TIMESTAMP",
}

// ConsoleDecl is one parsed CONSOLE stanza. Exactly one of Dev or Host
// is set, selecting CONSOLE_TTY vs CONSOLE_SOCKET.
type ConsoleDecl struct {
	Name    string
	Dev     string
	Baud    int
	Parity  string
	Stop    int
	Host    string
	Logfile string // NAME of a LOGFILE stanza, or "" if none; matched by name only, not by path
	Line    int
}

// LogfileDecl is one parsed LOGFILE stanza.
type LogfileDecl struct {
	Name      string
	Path      string
	Timestamp bool
	Line      int
}

// ServerDecl is the (at most one) parsed SERVER stanza.
type ServerDecl struct {
	Listen    string
	ReplayLen int
}

// Config is the full parsed contents of a conman.conf file.
type Config struct {
	Server   ServerDecl
	Consoles []ConsoleDecl
	Logfiles []LogfileDecl
}

// ParseErr reports a malformed line, with the 1-based line number for
// operator diagnostics.
type ParseErr struct {
	Line int
	Msg  string
}

func (e *ParseErr) Error() string {
	return fmt.Sprintf("conman.conf:%d: %s", e.Line, e.Msg)
}

// Parse reads every stanza from r. Blank lines and lines whose first
// non-space byte is '#' are skipped (shell-style comments).
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parseLine(cfg, line, lineNo); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("conman.conf: read: %w", err)
	}
	return cfg, nil
}

func parseLine(cfg *Config, line string, lineNo int) error {
	l := lex.New(line, keywordTable)
	it := l.Next()
	if it.Tok != lex.IDENT {
		return &ParseErr{lineNo, "expected a stanza keyword (SERVER, CONSOLE, LOGFILE)"}
	}
	switch it.Keyword {
	case kwServer:
		return parseServer(cfg, l, lineNo)
	case kwConsole:
		return parseConsole(cfg, l, lineNo)
	case kwLogfile:
		return parseLogfile(cfg, l, lineNo)
	default:
		return &ParseErr{lineNo, fmt.Sprintf("unrecognized stanza keyword %q", it.Text)}
	}
}

// attrs drains the rest of a line into a keyword -> (value, present)
// map, recognizing both STR-valued (`KEY='...'`) and bare flag
// (`KEY`) attribute forms.
func attrs(l *lex.Lexer, lineNo int) (map[int]string, map[int]bool, error) {
	values := make(map[int]string)
	flags := make(map[int]bool)
	for {
		it := l.Next()
		switch it.Tok {
		case lex.EOF, lex.EOL:
			return values, flags, nil
		case lex.ERR:
			return nil, nil, &ParseErr{lineNo, it.ErrMsg}
		case lex.IDENT:
			if it.Keyword < 0 {
				return nil, nil, &ParseErr{lineNo, fmt.Sprintf("unrecognized attribute %q", it.Text)}
			}
			peek := l.Next()
			if peek.Tok == lex.PUNCT && peek.Text == "=" {
				str := l.Next()
				if str.Tok != lex.STR {
					return nil, nil, &ParseErr{lineNo, fmt.Sprintf("%s= expects a quoted value", it.Text)}
				}
				values[it.Keyword] = str.Text
			} else {
				l.PushBack(peek)
				flags[it.Keyword] = true
			}
		default:
			return nil, nil, &ParseErr{lineNo, "unexpected token"}
		}
	}
}

func parseServer(cfg *Config, l *lex.Lexer, lineNo int) error {
	values, _, err := attrs(l, lineNo)
	if err != nil {
		return err
	}
	decl := ServerDecl{Listen: values[kwListen]}
	if s, ok := values[kwReplaylen]; ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return &ParseErr{lineNo, "REPLAYLEN must be an integer"}
		}
		decl.ReplayLen = n
	}
	cfg.Server = decl
	return nil
}

func parseConsole(cfg *Config, l *lex.Lexer, lineNo int) error {
	values, _, err := attrs(l, lineNo)
	if err != nil {
		return err
	}
	name := values[kwName]
	if name == "" {
		return &ParseErr{lineNo, "CONSOLE requires NAME='...'"}
	}
	decl := ConsoleDecl{Name: name, Line: lineNo, Logfile: values[kwLogfile]}

	dev, hasDev := values[kwDev]
	host, hasHost := values[kwHost]
	switch {
	case hasDev && hasHost:
		return &ParseErr{lineNo, "CONSOLE may not set both DEV and HOST"}
	case hasDev:
		decl.Dev = dev
		decl.Baud = 9600
		decl.Parity = "none"
		decl.Stop = 1
		if s, ok := values[kwBaud]; ok {
			n, err := strconv.Atoi(s)
			if err != nil {
				return &ParseErr{lineNo, "BAUD must be an integer"}
			}
			decl.Baud = n
		}
		if s, ok := values[kwParity]; ok {
			decl.Parity = strings.ToLower(s)
		}
		if s, ok := values[kwStop]; ok {
			n, err := strconv.Atoi(s)
			if err != nil {
				return &ParseErr{lineNo, "STOP must be an integer"}
			}
			decl.Stop = n
		}
	case hasHost:
		decl.Host = host
	default:
		return &ParseErr{lineNo, "CONSOLE requires either DEV=... or HOST=..."}
	}

	cfg.Consoles = append(cfg.Consoles, decl)
	return nil
}

func parseLogfile(cfg *Config, l *lex.Lexer, lineNo int) error {
	values, flags, err := attrs(l, lineNo)
	if err != nil {
		return err
	}
	name := values[kwName]
	path := values[kwPath]
	if name == "" || path == "" {
		return &ParseErr{lineNo, "LOGFILE requires NAME='...' and PATH='...'"}
	}
	cfg.Logfiles = append(cfg.Logfiles, LogfileDecl{
		Name:      name,
		Path:      path,
		Timestamp: flags[kwTimestamp],
		Line:      lineNo,
	})
	return nil
}
