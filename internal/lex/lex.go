// Package lex tokenizes the single-line message grammar shared by the
// ConMan wire protocol and its configuration file: a fixed keyword set,
// single-character punctuators, and single-quoted strings with backslash
// escapes. It is deliberately small (one line in, one token stream out)
// rather than a general state-machine lexer, since that is all either
// consumer needs.
package lex

import (
	"fmt"
	"strings"
)

// Token identifies the lexical class of an item returned by Next.
type Token int

const (
	// EOF is returned once the input is exhausted.
	EOF Token = iota
	// EOL is returned for the terminating newline, if present.
	EOL
	// ERR is returned when the input cannot be tokenized (e.g. an
	// unterminated quoted string). The lexer stops emitting tokens for
	// the line once ERR is produced.
	ERR
	// STR is a decoded single-quoted string literal.
	STR
	// PUNCT is the single-character punctuator '='; a newline is
	// reported as EOL instead.
	PUNCT
	// IDENT is any other keyword-shaped identifier, whether or not it
	// matches a known keyword; the caller maps text to meaning via
	// Keyword.
	IDENT
)

// Keyword is the fixed set of case-insensitive words recognized by the
// protocol and config grammars. The int value has no meaning outside of
// distinguishing one keyword from another; callers define their own
// enumerations (see package protocol and package confparse) and use
// KeywordIndex to map decoded text onto them.
type Keyword int

// Item is a single token: its class, its decoded text (for STR/IDENT/
// PUNCT), and, for IDENT, the resolved keyword index within the table
// passed to New, or -1 if the identifier matched no keyword.
type Item struct {
	Tok     Token
	Text    string
	Keyword int
	ErrMsg  string
}

// Lexer scans one line of input at a time.
type Lexer struct {
	src      string
	pos      int
	keywords []string // case-insensitive keyword table, index == Keyword value
	pushed   *Item
}

// New creates a Lexer over a single line of input. keywords is the fixed,
// case-insensitive keyword table; an IDENT whose text matches keywords[i]
// (ignoring case) is tagged with Keyword == i.
func New(line string, keywords []string) *Lexer {
	return &Lexer{src: line, keywords: keywords}
}

// PushBack undoes the most recent call to Next, so the next call to Next
// returns the same item again. Only one level of push-back is supported,
// matching the protocol grammar's need to peek one token ahead when
// disambiguating OPTION=<value> forms.
func (l *Lexer) PushBack(it Item) {
	cp := it
	l.pushed = &cp
}

// Next scans and returns the next token.
func (l *Lexer) Next() Item {
	if l.pushed != nil {
		it := *l.pushed
		l.pushed = nil
		return it
	}
	l.skipSpace()
	if l.pos >= len(l.src) {
		return Item{Tok: EOF, Keyword: -1}
	}
	c := l.src[l.pos]
	switch {
	case c == '\n':
		l.pos++
		return Item{Tok: EOL, Keyword: -1}
	case c == '=':
		l.pos++
		return Item{Tok: PUNCT, Text: "=", Keyword: -1}
	case c == '\'':
		return l.scanString()
	default:
		return l.scanIdent()
	}
}

func (l *Lexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\r' {
			l.pos++
			continue
		}
		break
	}
}

// scanString consumes a single-quoted string literal and decodes its
// backslash escapes (\\ and \') in place. An unterminated literal yields
// an ERR token; the caller must treat that as a malformed line.
func (l *Lexer) scanString() Item {
	start := l.pos
	l.pos++ // consume opening quote
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return Item{Tok: ERR, Keyword: -1,
				ErrMsg: fmt.Sprintf("unterminated string starting at byte %d", start)}
		}
		c := l.src[l.pos]
		if c == '\'' {
			l.pos++
			return Item{Tok: STR, Text: b.String(), Keyword: -1}
		}
		if c == '\\' {
			l.pos++
			if l.pos >= len(l.src) {
				return Item{Tok: ERR, Keyword: -1,
					ErrMsg: "unterminated escape sequence"}
			}
			esc := l.src[l.pos]
			switch esc {
			case '\\', '\'':
				b.WriteByte(esc)
			default:
				// Unknown escapes pass through literally so that
				// forward-compatible extensions don't corrupt data.
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			l.pos++
			continue
		}
		b.WriteByte(c)
		l.pos++
	}
}

func (l *Lexer) scanIdent() Item {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '=' || c == '\'' {
			break
		}
		l.pos++
	}
	text := l.src[start:l.pos]
	kw := l.KeywordIndex(text)
	return Item{Tok: IDENT, Text: text, Keyword: kw}
}

// KeywordIndex returns the index of text within the lexer's keyword
// table (case-insensitive whole-word match), or -1 if text matches no
// keyword.
func (l *Lexer) KeywordIndex(text string) int {
	for i, kw := range l.keywords {
		if strings.EqualFold(kw, text) {
			return i
		}
	}
	return -1
}

// Encode escapes a raw byte string for transmission as a single-quoted
// protocol string literal: backslash and single-quote are escaped, and
// every other byte passes through untouched. Newlines and other control
// bytes are not escaped, so a string containing a newline does not fit
// on a single protocol line.
func Encode(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '\'' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('\'')
	return b.String()
}

// Decode reverses Encode's escaping on an already-unquoted string. It is
// exposed for callers that need decode semantics outside of the normal
// Next() scanning path; Next decodes string literals itself.
func Decode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			n := s[i+1]
			if n == '\\' || n == '\'' {
				b.WriteByte(n)
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
