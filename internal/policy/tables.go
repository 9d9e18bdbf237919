package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
)

// AssetsKey is the input document key Rego predicates read asset tables from:
// rows of table t are available as input.assets.t.
const AssetsKey = "assets"

// ReferencedTables derives the asset tables a predicate reads.
func ReferencedTables(p Predicate) ([]string, error) {
	switch p.Language {
	case LanguageSQL:
		return sqlTables(p.Text), nil
	case LanguageRego:
		return regoTables(p.Text)
	}
	return nil, fmt.Errorf("unknown predicate language %q", p.Language)
}

type sqlTokenKind int

const (
	sqlIdent sqlTokenKind = iota
	sqlQuotedIdent
	sqlLiteral
	sqlPunct
	sqlOperator
)

type sqlToken struct {
	kind sqlTokenKind
	text string
}

func (t sqlToken) is(kind sqlTokenKind, text string) bool {
	return t.kind == kind && strings.EqualFold(t.text, text)
}

func (t sqlToken) name() bool {
	return t.kind == sqlIdent || t.kind == sqlQuotedIdent
}

// keyword reports whether an unquoted identifier is one of words.
func (t sqlToken) keyword(words map[string]bool) bool {
	return t.kind == sqlIdent && words[strings.ToUpper(t.text)]
}

// Words that may precede a parenthesis without making it a function call.
var sqlNonCallWords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "IN": true, "EXISTS": true, "ANY": true, "ALL": true,
	"SOME": true, "AS": true, "ON": true, "JOIN": true, "USING": true,
	"VALUES": true, "UNION": true, "INTERSECT": true, "EXCEPT": true,
	"WITH": true, "HAVING": true, "BY": true, "THEN": true, "ELSE": true,
	"WHEN": true, "CASE": true, "LATERAL": true, "IS": true, "LIKE": true,
	"ILIKE": true, "BETWEEN": true, "OVER": true, "FILTER": true,
	"WITHIN": true, "DISTINCT": true, "RECURSIVE": true, "MATERIALIZED": true,
	"LIMIT": true, "OFFSET": true, "RETURN": true,
}

// Words that end a FROM list.
var sqlClauseWords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "HAVING": true, "LIMIT": true,
	"OFFSET": true, "FETCH": true, "UNION": true, "INTERSECT": true,
	"EXCEPT": true, "WINDOW": true, "RETURNING": true, "ON": true,
	"USING": true, "SELECT": true,
}

// lexSQL splits a query into tokens, dropping comments and whitespace.
// Unterminated literals run to the end of the input.
func lexSQL(q string) []sqlToken {
	var tokens []sqlToken
	i := 0
	for i < len(q) {
		c := q[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && strings.HasPrefix(q[i:], "--"):
			if end := strings.IndexByte(q[i:], '\n'); end >= 0 {
				i += end + 1
			} else {
				i = len(q)
			}
		case c == '/' && strings.HasPrefix(q[i:], "/*"):
			if end := strings.Index(q[i+2:], "*/"); end >= 0 {
				i += end + 4
			} else {
				i = len(q)
			}
		case c == '\'':
			i = skipQuoted(q, i, '\'', false)
			tokens = append(tokens, sqlToken{kind: sqlLiteral})
		case c == '"':
			start := i
			i = skipQuoted(q, i, '"', false)
			text := strings.TrimSuffix(q[start+1:i], `"`)
			tokens = append(tokens, sqlToken{kind: sqlQuotedIdent, text: strings.ReplaceAll(text, `""`, `"`)})
		case c == '$':
			i = skipDollar(q, i)
			tokens = append(tokens, sqlToken{kind: sqlLiteral})
		case isIdentStart(c):
			start := i
			for i < len(q) && isIdentPart(q[i]) {
				i++
			}
			word := q[start:i]
			// E'...' strings take backslash escapes
			if (word == "E" || word == "e") && i < len(q) && q[i] == '\'' {
				i = skipQuoted(q, i, '\'', true)
				tokens = append(tokens, sqlToken{kind: sqlLiteral})
				continue
			}
			tokens = append(tokens, sqlToken{kind: sqlIdent, text: word})
		case c >= '0' && c <= '9':
			for i < len(q) && (isIdentPart(q[i]) || q[i] == '.') {
				i++
			}
			tokens = append(tokens, sqlToken{kind: sqlLiteral})
		case strings.IndexByte("(),.;", c) >= 0:
			tokens = append(tokens, sqlToken{kind: sqlPunct, text: string(c)})
			i++
		default:
			tokens = append(tokens, sqlToken{kind: sqlOperator, text: string(c)})
			i++
		}
	}
	return tokens
}

// skipQuoted returns the offset just past the literal opened at q[start].
// A doubled quote is an escaped quote.
func skipQuoted(q string, start int, quote byte, backslash bool) int {
	i := start + 1
	for i < len(q) {
		switch {
		case backslash && q[i] == '\\':
			i += 2
		case q[i] == quote && i+1 < len(q) && q[i+1] == quote:
			i += 2
		case q[i] == quote:
			return i + 1
		default:
			i++
		}
	}
	return len(q)
}

// skipDollar handles $1 parameters and $tag$...$tag$ strings.
func skipDollar(q string, start int) int {
	i := start + 1
	if i < len(q) && q[i] >= '0' && q[i] <= '9' {
		for i < len(q) && q[i] >= '0' && q[i] <= '9' {
			i++
		}
		return i
	}
	for i < len(q) && isIdentPart(q[i]) && q[i] != '$' {
		i++
	}
	if i >= len(q) || q[i] != '$' {
		return start + 1
	}
	tag := q[start : i+1]
	if end := strings.Index(q[i+1:], tag); end >= 0 {
		return i + 1 + end + len(tag)
	}
	return len(q)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}

type sqlFrame struct {
	call   bool   // parenthesis of a function call
	from   bool   // inside a FROM list, commas introduce tables
	opener string // function name for call frames
}

// sqlTables lists the tables named after FROM, JOIN and commas of a FROM
// list, in order of appearance. Names defined by WITH are not tables, and
// neither are FROM keywords inside function calls such as EXTRACT.
func sqlTables(query string) []string {
	tokens := lexSQL(query)
	stack := []sqlFrame{{}}
	var tables, ctes []string
	expectTable := false
	lastClosed := ""

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		top := &stack[len(stack)-1]

		switch {
		case tok.is(sqlPunct, "("):
			if name := cteName(tokens, i, lastClosed); name != "" {
				ctes = append(ctes, name)
			}
			frame := sqlFrame{}
			if i > 0 && !expectTable {
				if prev := tokens[i-1]; prev.name() && !prev.keyword(sqlNonCallWords) {
					frame = sqlFrame{call: true, opener: prev.text}
				}
			}
			expectTable = false
			stack = append(stack, frame)

		case tok.is(sqlPunct, ")"):
			if len(stack) > 1 {
				lastClosed = top.opener
				stack = stack[:len(stack)-1]
			}
			expectTable = false

		case tok.is(sqlPunct, ","):
			expectTable = top.from && !top.call

		case top.call && tok.is(sqlIdent, "SELECT"):
			// array(SELECT ...) and similar hold a real subquery
			top.call = false

		case top.call:

		case tok.is(sqlIdent, "FROM"):
			top.from = true
			expectTable = true

		case tok.is(sqlIdent, "JOIN"):
			expectTable = true

		case tok.keyword(sqlClauseWords):
			top.from = false
			expectTable = false

		case expectTable && (tok.is(sqlIdent, "LATERAL") || tok.is(sqlIdent, "ONLY")):

		case expectTable && tok.name():
			name := tok.text
			for i+2 < len(tokens) && tokens[i+1].is(sqlPunct, ".") && tokens[i+2].name() {
				name = tokens[i+2].text
				i += 2
			}
			expectTable = false
			if i+1 < len(tokens) && tokens[i+1].is(sqlPunct, "(") {
				// table function such as generate_series(...)
				continue
			}
			if name != "" && !slices.Contains(tables, name) {
				tables = append(tables, name)
			}

		default:
			expectTable = false
		}
	}

	return slices.DeleteFunc(tables, func(t string) bool {
		return slices.ContainsFunc(ctes, func(c string) bool { return strings.EqualFold(c, t) })
	})
}

// cteName returns the name defined when tokens[i] opens the body of a WITH
// entry: name [(columns)] AS [[NOT] MATERIALIZED] (.
func cteName(tokens []sqlToken, i int, lastClosed string) string {
	j := i - 1
	for j >= 0 && (tokens[j].is(sqlIdent, "MATERIALIZED") || tokens[j].is(sqlIdent, "NOT")) {
		j--
	}
	if j < 1 || !tokens[j].is(sqlIdent, "AS") {
		return ""
	}
	switch prev := tokens[j-1]; {
	case prev.name():
		return prev.text
	case prev.is(sqlPunct, ")"):
		return lastClosed
	}
	return ""
}

func regoTables(module string) ([]string, error) {
	parsed, err := ast.ParseModule("eval.rego", module)
	if err != nil {
		return nil, fmt.Errorf("parse rego module: %w", err)
	}

	var tables []string
	ast.WalkRefs(parsed, func(ref ast.Ref) bool {
		if len(ref) < 3 {
			return false
		}
		if ref[0].Value.Compare(ast.Var("input")) != 0 || ref[1].Value.Compare(ast.String(AssetsKey)) != 0 {
			return false
		}
		if name, ok := ref[2].Value.(ast.String); ok && !slices.Contains(tables, string(name)) {
			tables = append(tables, string(name))
		}
		return false
	})
	return tables, nil
}
