package hook

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParseExports parses the stdout of a Source hook. It accepts the forms
// printed by "export -p" and "declare -px" as well as bare assignments:
//
//	export A=1
//	declare -x B="two words"
//	C=$'line\nbreak'
//
// Values may use single quotes, double quotes with backslash escapes and
// ANSI-C $'...' quoting, and quoted values may span lines. Blank lines and
// "#" comments are skipped. Exported names without a value are ignored.
// Any other statement is a *ParseError.
func ParseExports(data []byte) (map[string]string, error) {
	p := &exportParser{src: string(data), line: 1}
	env := make(map[string]string)
	for {
		p.skipBlank()
		if p.eof() {
			return env, nil
		}
		if err := p.statement(env); err != nil {
			return nil, err
		}
	}
}

type exportParser struct {
	src  string
	pos  int
	line int
	// start is the line of the statement being parsed.
	start int
}

func (p *exportParser) eof() bool { return p.pos >= len(p.src) }

func (p *exportParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *exportParser) next() byte {
	c := p.src[p.pos]
	p.pos++
	if c == '\n' {
		p.line++
	}
	return c
}

func (p *exportParser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.start, Msg: fmt.Sprintf(format, args...)}
}

// skipBlank skips whitespace, newlines, statement separators and comments.
func (p *exportParser) skipBlank() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\r', '\n', ';':
			p.next()
		case '#':
			p.skipComment()
		default:
			return
		}
	}
}

func (p *exportParser) skipComment() {
	for !p.eof() && p.peek() != '\n' {
		p.next()
	}
}

func (p *exportParser) skipSpaces() {
	for !p.eof() && (p.peek() == ' ' || p.peek() == '\t') {
		p.next()
	}
}

// atStatementEnd reports whether the current statement has no more words.
func (p *exportParser) atStatementEnd() bool {
	switch p.peek() {
	case 0, '\n', '\r', ';', '#':
		return true
	}
	return false
}

func (p *exportParser) statement(env map[string]string) error {
	p.start = p.line
	word := p.identifier()
	if word == "" {
		return p.errorf("unexpected %q", p.lineText())
	}

	if p.peek() == '=' {
		p.next()
		v, err := p.value()
		if err != nil {
			return err
		}
		env[word] = v
		return p.finish()
	}

	switch word {
	case "export":
		p.skipSpaces()
		if p.peek() == '-' {
			flags := p.flags()
			if flags != "-n" && flags != "-p" {
				return p.errorf("unsupported export flags %q", flags)
			}
			if flags == "-n" {
				// "export -n" un-exports; nothing to capture.
				p.skipLine()
				return nil
			}
		}
	case "declare", "typeset":
		p.skipSpaces()
		flags := p.flags()
		if !strings.HasPrefix(flags, "-") || !strings.Contains(flags, "x") {
			return p.errorf("%s without -x is not an export", word)
		}
	default:
		return p.errorf("unknown statement %q", word)
	}
	return p.assignments(env)
}

// assignments parses "NAME[=VALUE] ..." after export or declare.
func (p *exportParser) assignments(env map[string]string) error {
	p.skipSpaces()
	if p.atStatementEnd() {
		return p.errorf("missing variable name")
	}
	for !p.atStatementEnd() {
		name := p.identifier()
		if name == "" {
			return p.errorf("invalid variable name near %q", p.lineText())
		}
		if p.peek() == '=' {
			p.next()
			v, err := p.value()
			if err != nil {
				return err
			}
			env[name] = v
		}
		if !p.atStatementEnd() && p.peek() != ' ' && p.peek() != '\t' {
			return p.errorf("unexpected %q after %s", string(p.peek()), name)
		}
		p.skipSpaces()
	}
	return nil
}

// finish accepts only trailing blanks or a comment after a bare assignment.
func (p *exportParser) finish() error {
	p.skipSpaces()
	if !p.atStatementEnd() {
		return p.errorf("unexpected %q after assignment", p.lineText())
	}
	return nil
}

func (p *exportParser) skipLine() {
	for !p.eof() && p.peek() != '\n' {
		p.next()
	}
}

// lineText returns the rest of the current line for error messages.
func (p *exportParser) lineText() string {
	rest := p.src[p.pos:]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func (p *exportParser) identifier() string {
	start := p.pos
	for !p.eof() {
		c := p.peek()
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || p.pos > start && c >= '0' && c <= '9' {
			p.next()
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *exportParser) flags() string {
	start := p.pos
	for !p.eof() && !p.atStatementEnd() && p.peek() != ' ' && p.peek() != '\t' {
		p.next()
	}
	flags := p.src[start:p.pos]
	p.skipSpaces()
	return flags
}

// value parses one shell word.
func (p *exportParser) value() (string, error) {
	var b strings.Builder
	for !p.eof() {
		c := p.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ';':
			return b.String(), nil
		case c == '\'':
			p.next()
			if err := p.singleQuoted(&b); err != nil {
				return "", err
			}
		case c == '"':
			p.next()
			if err := p.doubleQuoted(&b); err != nil {
				return "", err
			}
		case c == '$' && strings.HasPrefix(p.src[p.pos:], "$'"):
			p.next()
			p.next()
			if err := p.ansiC(&b); err != nil {
				return "", err
			}
		case c == '$' && strings.HasPrefix(p.src[p.pos:], "$("), c == '`':
			return "", p.errorf("command substitution is not supported")
		case c == '\\':
			p.next()
			if p.eof() {
				return b.String(), nil
			}
			if e := p.next(); e != '\n' {
				b.WriteByte(e)
			}
		default:
			b.WriteByte(p.next())
		}
	}
	return b.String(), nil
}

func (p *exportParser) singleQuoted(b *strings.Builder) error {
	for !p.eof() {
		c := p.next()
		if c == '\'' {
			return nil
		}
		b.WriteByte(c)
	}
	return p.errorf("unterminated single quote")
}

func (p *exportParser) doubleQuoted(b *strings.Builder) error {
	for !p.eof() {
		c := p.next()
		switch c {
		case '"':
			return nil
		case '\\':
			if p.eof() {
				return p.errorf("unterminated double quote")
			}
			e := p.next()
			switch e {
			case '$', '`', '"', '\\':
				b.WriteByte(e)
			case '\n':
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return p.errorf("unterminated double quote")
}

var ansiEscapes = map[byte]byte{
	'a': '\a', 'b': '\b', 'e': 0x1b, 'E': 0x1b, 'f': '\f', 'n': '\n',
	'r': '\r', 't': '\t', 'v': '\v', '\\': '\\', '\'': '\'', '"': '"', '?': '?',
}

func (p *exportParser) ansiC(b *strings.Builder) error {
	for !p.eof() {
		c := p.next()
		if c == '\'' {
			return nil
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if p.eof() {
			break
		}
		e := p.next()
		if r, ok := ansiEscapes[e]; ok {
			b.WriteByte(r)
			continue
		}
		switch e {
		case '0', '1', '2', '3', '4', '5', '6', '7':
			digits := string(e) + p.digits(2, isOctal)
			// Values above 0377 keep their low byte.
			n, _ := strconv.ParseUint(digits, 8, 16)
			b.WriteByte(byte(n & 0xff))
		case 'x':
			p.codePoint(b, 2, false)
		case 'u':
			p.codePoint(b, 4, true)
		case 'U':
			p.codePoint(b, 8, true)
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return p.errorf("unterminated $' quote")
}

// codePoint reads up to limit hex digits and writes them as a UTF-8 encoded
// rune, or as a single raw byte for \xHH.
func (p *exportParser) codePoint(b *strings.Builder, limit int, asRune bool) {
	digits := p.digits(limit, isHex)
	if digits == "" {
		b.WriteByte('\\')
		b.WriteByte(p.src[p.pos-1])
		return
	}
	n, _ := strconv.ParseUint(digits, 16, 32)
	if !asRune {
		b.WriteByte(byte(n))
		return
	}
	r := rune(n)
	if !utf8.ValidRune(r) {
		r = utf8.RuneError
	}
	b.WriteRune(r)
}

func (p *exportParser) digits(limit int, ok func(byte) bool) string {
	start := p.pos
	for p.pos-start < limit && !p.eof() && ok(p.peek()) {
		p.next()
	}
	return p.src[start:p.pos]
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
