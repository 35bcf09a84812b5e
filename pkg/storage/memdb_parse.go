package storage

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// stmtParser is a minimal scanner for the statement subset MemDB accepts.
// It is not a SQL parser; it knows just enough about quoting and parens.
type stmtParser struct {
	input string
	pos   int
}

func newStmtParser(stmt string) *stmtParser {
	return &stmtParser{input: strings.TrimSuffix(strings.TrimSpace(stmt), ";")}
}

func (p *stmtParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

// keywords consumes the given case-insensitive words if they all match.
func (p *stmtParser) keywords(words ...string) bool {
	save := p.pos
	for _, w := range words {
		p.skipSpace()
		end := p.pos + len(w)
		if end > len(p.input) || !strings.EqualFold(p.input[p.pos:end], w) {
			p.pos = save
			return false
		}
		if end < len(p.input) && isIdentChar(rune(p.input[end])) {
			p.pos = save
			return false
		}
		p.pos = end
	}
	return true
}

func (p *stmtParser) symbol(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *stmtParser) comma() bool { return p.symbol(",") }

func (p *stmtParser) rest() string { return p.input[p.pos:] }

// ident parses a possibly quoted, possibly schema-qualified identifier and
// returns it unquoted, e.g. `"public"."sources"` -> `public.sources`.
func (p *stmtParser) ident() (string, error) {
	var parts []string
	for {
		p.skipSpace()
		part, err := p.identPart()
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
		if !p.symbol(".") {
			break
		}
	}
	return strings.Join(parts, "."), nil
}

func (p *stmtParser) identPart() (string, error) {
	if p.pos >= len(p.input) {
		return "", errors.New("expected identifier, got end of statement")
	}
	if p.input[p.pos] == '"' {
		end := strings.IndexByte(p.input[p.pos+1:], '"')
		if end < 0 {
			return "", errors.New("unterminated quoted identifier")
		}
		part := p.input[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return part, nil
	}
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return "", errors.Errorf("expected identifier at %q", p.input[start:])
	}
	return p.input[start:p.pos], nil
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// parenList consumes a parenthesized list and splits it on top-level commas,
// respecting nested parens and single-quoted strings.
func (p *stmtParser) parenList() ([]string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return nil, errors.Errorf("expected '(' at %q", p.input[p.pos:])
	}
	p.pos++
	var items []string
	depth := 0
	inString := false
	start := p.pos
	for ; p.pos < len(p.input); p.pos++ {
		c := p.input[p.pos]
		if inString {
			if c == '\'' {
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			if depth == 0 {
				items = append(items, p.input[start:p.pos])
				p.pos++
				return items, nil
			}
			depth--
		case ',':
			if depth == 0 {
				items = append(items, p.input[start:p.pos])
				start = p.pos + 1
			}
		}
	}
	return nil, errors.New("unterminated parenthesized list")
}

func unquoteIdent(s string) string {
	return strings.Trim(s, `"`)
}

// defaultLiteral scans a column definition fragment for a DEFAULT clause and
// parses the literal that follows it.
func defaultLiteral(def string) (interface{}, bool) {
	fields := strings.Fields(def)
	for i, f := range fields {
		if strings.EqualFold(f, "DEFAULT") && i+1 < len(fields) {
			v, err := parseLiteral(strings.TrimSuffix(fields[i+1], ","))
			if err != nil {
				return nil, false
			}
			return v, true
		}
	}
	return nil, false
}

// parseLiteral understands NULL, booleans, numbers, and single-quoted
// strings ('' escaping a quote).
func parseLiteral(lit string) (interface{}, error) {
	switch {
	case strings.EqualFold(lit, "NULL"):
		return nil, nil
	case strings.EqualFold(lit, "TRUE"):
		return true, nil
	case strings.EqualFold(lit, "FALSE"):
		return false, nil
	}
	if strings.HasPrefix(lit, "'") {
		if !strings.HasSuffix(lit, "'") || len(lit) < 2 {
			return nil, errors.Errorf("unterminated string literal %q", lit)
		}
		return strings.ReplaceAll(lit[1:len(lit)-1], "''", "'"), nil
	}
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return f, nil
	}
	return nil, errors.Errorf("unsupported literal %q", lit)
}
