// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package render

import (
	"strconv"
	"strings"
	"unicode"

	"noetl/pkg/errors"
)

// Eval evaluates a bare expression (no {{ }} delimiters) against the
// scope. Grammar, loosest binding first:
//
//	or      := and ("or" and)*
//	and     := not ("and" not)*
//	not     := "not" not | cmp
//	cmp     := sum (("=="|"!="|"<"|"<="|">"|">=") sum)?
//	sum     := prod (("+"|"-") prod)*
//	prod    := neg (("*"|"/"|"%") neg)*
//	neg     := "-" neg | post
//	post    := atom ("." ident | "[" or "]" | "|" filter)*
//	atom    := number | 'str' | "str" | true | false | null | ident | "(" or ")"
//
// Unknown identifiers and missing path segments evaluate to null.
func Eval(expr string, scope Scope) (any, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, scope: scope, src: expr}
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errors.New(errors.KindInvalidResource, "unexpected %q in expression %q", p.toks[p.pos].text, expr)
	}
	return v, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'' || c == '"':
			quote := src[i]
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j == len(src) {
				return nil, errors.New(errors.KindInvalidResource, "unterminated string in %q", src)
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case unicode.IsDigit(c):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				if two == "==" || two == "!=" || two == "<=" || two == ">=" {
					toks = append(toks, token{tokOp, two})
					i += 2
					continue
				}
			}
			if !strings.ContainsRune("+-*/%<>()[].|,", c) {
				return nil, errors.New(errors.KindInvalidResource, "bad character %q in expression %q", c, src)
			}
			toks = append(toks, token{tokOp, string(c)})
			i++
		}
	}
	return toks, nil
}

type parser struct {
	toks  []token
	pos   int
	scope Scope
	src   string
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) accept(kind tokKind, text string) bool {
	if t, ok := p.peek(); ok && t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			left = right
		}
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			left = right
		}
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.accept(tokIdent, "not") {
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (any, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", "<", "<=", ">", ">=":
		p.pos++
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return compare(t.text, left, right, p.src)
	}
	return left, nil
}

func (p *parser) parseSum() (any, error) {
	left, err := p.parseProd()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokOp, "+"):
			op = "+"
		case p.accept(tokOp, "-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.parseProd()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right, p.src)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseProd() (any, error) {
	left, err := p.parseNeg()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokOp, "*"):
			op = "*"
		case p.accept(tokOp, "/"):
			op = "/"
		case p.accept(tokOp, "%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseNeg()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right, p.src)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseNeg() (any, error) {
	if p.accept(tokOp, "-") {
		v, err := p.parseNeg()
		if err != nil {
			return nil, err
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, errors.New(errors.KindInvalidResource, "cannot negate %T in %q", v, p.src)
		}
		return -n, nil
	}
	return p.parsePost()
}

func (p *parser) parsePost() (any, error) {
	v, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokOp, "."):
			t, ok := p.peek()
			if !ok || t.kind != tokIdent {
				return nil, errors.New(errors.KindInvalidResource, "expected field name after '.' in %q", p.src)
			}
			p.pos++
			v = field(v, t.text)
		case p.accept(tokOp, "["):
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.accept(tokOp, "]") {
				return nil, errors.New(errors.KindInvalidResource, "expected ']' in %q", p.src)
			}
			v = index(v, idx)
		case p.accept(tokOp, "|"):
			t, ok := p.peek()
			if !ok || t.kind != tokIdent {
				return nil, errors.New(errors.KindInvalidResource, "expected filter name after '|' in %q", p.src)
			}
			p.pos++
			args, err := p.parseFilterArgs()
			if err != nil {
				return nil, err
			}
			v, err = applyFilter(t.text, v, args)
			if err != nil {
				return nil, errors.Wrapf(err, "expression %q", p.src)
			}
		default:
			return v, nil
		}
	}
}

func (p *parser) parseFilterArgs() ([]any, error) {
	if !p.accept(tokOp, "(") {
		return nil, nil
	}
	var args []any
	if p.accept(tokOp, ")") {
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.accept(tokOp, ",") {
			continue
		}
		if p.accept(tokOp, ")") {
			return args, nil
		}
		return nil, errors.New(errors.KindInvalidResource, "expected ')' in %q", p.src)
	}
}

func (p *parser) parseAtom() (any, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errors.New(errors.KindInvalidResource, "unexpected end of expression %q", p.src)
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errors.New(errors.KindInvalidResource, "bad number %q in %q", t.text, p.src)
		}
		return n, nil
	case tokString:
		p.pos++
		return t.text, nil
	case tokIdent:
		p.pos++
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "none":
			return nil, nil
		}
		return p.scope[t.text], nil
	case tokOp:
		if t.text == "(" {
			p.pos++
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.accept(tokOp, ")") {
				return nil, errors.New(errors.KindInvalidResource, "expected ')' in %q", p.src)
			}
			return v, nil
		}
	}
	return nil, errors.New(errors.KindInvalidResource, "unexpected %q in expression %q", t.text, p.src)
}

func field(v any, name string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m[name]
}

func index(v, idx any) any {
	switch container := v.(type) {
	case []any:
		n, ok := toNumber(idx)
		if !ok {
			return nil
		}
		i := int(n)
		if i < 0 {
			i += len(container)
		}
		if i < 0 || i >= len(container) {
			return nil
		}
		return container[i]
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil
		}
		return container[key]
	default:
		return nil
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func arith(op string, left, right any, src string) (any, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			return ls + stringify(right), nil
		}
	}
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return nil, errors.New(errors.KindInvalidResource, "non-numeric operands for %q in %q", op, src)
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, errors.New(errors.KindInvalidResource, "division by zero in %q", src)
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return nil, errors.New(errors.KindInvalidResource, "division by zero in %q", src)
		}
		return float64(int64(l) % int64(r)), nil
	}
	return nil, errors.New(errors.KindInvalidResource, "unknown operator %q", op)
}

func compare(op string, left, right any, src string) (any, error) {
	if op == "==" || op == "!=" {
		eq := looseEqual(left, right)
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return nil, errors.New(errors.KindInvalidResource, "incomparable operands for %q in %q", op, src)
	}
	switch op {
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return nil, errors.New(errors.KindInvalidResource, "unknown comparison %q", op)
}

func looseEqual(left, right any) bool {
	if left == nil && right == nil {
		return true
	}
	if l, lok := toNumber(left); lok {
		if r, rok := toNumber(right); rok {
			// string operands only coerce when the other side is numeric
			_, ls := left.(string)
			_, rs := right.(string)
			if !(ls && rs) {
				return l == r
			}
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls == rs
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb
		}
	}
	return false
}
