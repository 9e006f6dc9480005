// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Eval parses and evaluates a condition expression against the resolver.
// The language supports boolean combinations (and/or/not, &&/||/!),
// comparisons (==, !=, <, <=, >, >=, in, not in), string and numeric
// literals, path lookups, and the builtins len, any, all, str, int.
// Unresolved paths evaluate to nil, mirroring the source accessor's
// missing-value default.
func Eval(input string, env Resolver) (any, error) {
	p := &parser{lexer: newLexer(input), env: env}
	p.next()
	value, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input %q in expression %q", p.tok.text, input)
	}
	return value, nil
}

// EvalBool evaluates a condition and coerces the result to a truth value.
// An empty expression is true (unconditional rules omit the condition).
func EvalBool(input string, env Resolver) (bool, error) {
	if strings.TrimSpace(input) == "" {
		return true, nil
	}
	value, err := Eval(input, env)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// Truthy applies the source language's truthiness rules: nil, false, zero,
// empty string and empty collections are false; everything else is true.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// ---------------------------------------------------------------------------
// Lexer

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokPath
	tokNumber
	tokString
	tokOp     // == != <= >= < > ! && ||
	tokLParen // (
	tokRParen // )
	tokComma
	tokKeyword // and or not in true false none
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer { return &lexer{input: input} }

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true, "True": true, "False": true,
	"none": true, "None": true, "null": true,
}

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c >= '0' && c <= '9' || c == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		return l.lexNumber()
	}

	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokOp, text: op}, nil
		}
	}

	if isPathStart(c) {
		start := l.pos
		for l.pos < len(l.input) && isPathChar(l.input[l.pos]) {
			l.pos++
		}
		text := l.input[start:l.pos]
		if keywords[text] {
			return token{kind: tokKeyword, text: text}, nil
		}
		return token{kind: tokPath, text: text}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at position %d", c, l.pos)
}

func (l *lexer) lexString(quote byte) (token, error) {
	l.pos++
	start := l.pos
	for l.pos < len(l.input) && l.input[l.pos] != quote {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{}, fmt.Errorf("unterminated string literal starting at %d", start-1)
	}
	text := l.input[start:l.pos]
	l.pos++
	return token{kind: tokString, text: text}, nil
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: l.input[start:l.pos]}, nil
}

func isPathStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isPathChar(c byte) bool {
	return isPathStart(c) || c >= '0' && c <= '9' || c == '.' || c == '[' || c == ']' || c == '-'
}

// ---------------------------------------------------------------------------
// Parser / evaluator

type parser struct {
	lexer *lexer
	tok   token
	env   Resolver
	err   error
}

func (p *parser) next() {
	if p.err != nil {
		return
	}
	tok, err := p.lexer.lex()
	if err != nil {
		p.err = err
		p.tok = token{kind: tokEOF}
		return
	}
	p.tok = tok
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") || p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") || p.isOp("&&") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.isKeyword("not") || p.isOp("!") {
		p.next()
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !Truthy(value), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	var op string
	switch {
	case p.tok.kind == tokOp && p.tok.text != "!":
		op = p.tok.text
		p.next()
	case p.isKeyword("in"):
		op = "in"
		p.next()
	case p.isKeyword("not"):
		p.next()
		if !p.isKeyword("in") {
			return nil, fmt.Errorf("expected 'in' after 'not', got %q", p.tok.text)
		}
		op = "not in"
		p.next()
	default:
		return left, nil
	}

	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *parser) parsePrimary() (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokLParen:
		p.next()
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ')', got %q", p.tok.text)
		}
		p.next()
		return value, nil
	case tokNumber:
		text := p.tok.text
		p.next()
		if strings.Contains(text, ".") {
			return strconv.ParseFloat(text, 64)
		}
		n, err := strconv.Atoi(text)
		return n, err
	case tokString:
		text := p.tok.text
		p.next()
		return text, nil
	case tokKeyword:
		switch p.tok.text {
		case "true", "True":
			p.next()
			return true, nil
		case "false", "False":
			p.next()
			return false, nil
		case "none", "None", "null":
			p.next()
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected keyword %q", p.tok.text)
	case tokPath:
		name := p.tok.text
		p.next()
		if p.tok.kind == tokLParen {
			return p.parseCall(name)
		}
		value, _ := p.env.Resolve(name)
		return value, nil
	}
	return nil, fmt.Errorf("unexpected token %q", p.tok.text)
}

// parseCall evaluates the sandboxed builtins.
func (p *parser) parseCall(name string) (any, error) {
	p.next() // consume '('
	var args []any
	if p.tok.kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.tok.kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.tok.kind != tokRParen {
		return nil, fmt.Errorf("expected ')' closing call to %s", name)
	}
	p.next()

	if len(args) != 1 {
		return nil, fmt.Errorf("%s() takes exactly one argument, got %d", name, len(args))
	}
	arg := args[0]
	switch name {
	case "len":
		return lengthOf(arg)
	case "any":
		return collectionAnyAll(arg, false)
	case "all":
		return collectionAnyAll(arg, true)
	case "str":
		if arg == nil {
			return "", nil
		}
		return fmt.Sprintf("%v", arg), nil
	case "int":
		return toInt(arg)
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func (p *parser) isKeyword(text string) bool {
	return p.tok.kind == tokKeyword && p.tok.text == text
}

func (p *parser) isOp(text string) bool {
	return p.tok.kind == tokOp && p.tok.text == text
}

// ---------------------------------------------------------------------------
// Operations

func compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "in":
		return contains(right, left)
	case "not in":
		ok, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		return !ok, nil
	}

	ln, lok := toFloat(left)
	rn, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
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
	return nil, fmt.Errorf("cannot compare %T %s %T", left, op, right)
}

// looseEqual compares with numeric coercion so an int path value equals a
// float literal, matching the source evaluator's behavior.
func looseEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if ln, ok := toFloat(left); ok {
		if rn, ok := toFloat(right); ok {
			return ln == rn
		}
	}
	return reflect.DeepEqual(left, right)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("'in' on a string requires a string operand, got %T", needle)
		}
		return strings.Contains(h, s), nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, present := h[key]
		return present, nil
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("'in' requires a string, list or map, got %T", haystack)
}

func lengthOf(value any) (int, error) {
	if value == nil {
		return 0, nil
	}
	if s, ok := value.(string); ok {
		return len(s), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len(), nil
	}
	return 0, fmt.Errorf("len() of %T", value)
}

func collectionAnyAll(value any, requireAll bool) (bool, error) {
	if value == nil {
		return requireAll, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, fmt.Errorf("any()/all() require a list, got %T", value)
	}
	if requireAll {
		for i := 0; i < rv.Len(); i++ {
			if !Truthy(rv.Index(i).Interface()) {
				return false, nil
			}
		}
		return true, nil
	}
	for i := 0; i < rv.Len(); i++ {
		if Truthy(rv.Index(i).Interface()) {
			return true, nil
		}
	}
	return false, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	}
	return 0, fmt.Errorf("int() of %T", value)
}
