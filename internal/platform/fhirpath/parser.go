package fhirpath

import (
	"fmt"
	"strconv"
	"strings"
)

type nodeKind int

const (
	ndLiteral nodeKind = iota
	ndPath
	ndDot
	ndIndex
	ndFunction
	ndCompare
	ndAnd
	ndOr
	ndXor
	ndImplies
	ndUnion
)

type node struct {
	kind     nodeKind
	value    interface{} // literal, identifier, operator or function name
	children []*node
	// receiver is set for method-style calls (a.fn()); standalone calls
	// such as today() have none.
	receiver *node
}

type parser struct {
	tokens []token
	pos    int
}

// Precedence, lowest first: implies, or/xor, and, union, comparison.
func infixInfo(tok token) (int, nodeKind, string) {
	switch tok.kind {
	case tkIdent:
		switch tok.value {
		case "implies":
			return 1, ndImplies, ""
		case "or":
			return 2, ndOr, ""
		case "xor":
			return 2, ndXor, ""
		case "and":
			return 3, ndAnd, ""
		}
	case tkPipe:
		return 4, ndUnion, ""
	case tkEq, tkNe, tkLt, tkGt, tkLe, tkGe:
		return 5, ndCompare, tok.value
	}
	return -1, 0, ""
}

func parse(expr string) (*node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("parse: unexpected token %q at position %d", tok.value, tok.pos)
	}
	return root, nil
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.advance(); t.kind != kind {
		if t.kind == tkEOF {
			return fmt.Errorf("expected %s but expression ended", what)
		}
		return fmt.Errorf("expected %s but got %q at position %d", what, t.value, t.pos)
	}
	return nil
}

func (p *parser) parseExpression(minPrec int) (*node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		prec, kind, op := infixInfo(p.peek())
		if prec < 0 || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		n := &node{kind: kind, children: []*node{left, right}}
		if kind == ndCompare {
			n.value = op
		}
		left = n
	}
}

func (p *parser) parsePostfix() (*node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tkDot:
			p.advance()
			ident := p.advance()
			if ident.kind != tkIdent {
				return nil, fmt.Errorf("expected identifier after '.' at position %d", ident.pos)
			}
			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				n = &node{kind: ndFunction, value: ident.value, children: args, receiver: n}
				continue
			}
			n = &node{kind: ndDot, children: []*node{n, {kind: ndPath, value: ident.value}}}
		case tkLBrack:
			open := p.advance()
			idxTok := p.advance()
			if idxTok.kind != tkNumber {
				return nil, fmt.Errorf("expected number in index at position %d", open.pos)
			}
			if err := p.expect(tkRBrack, "']'"); err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(idxTok.value)
			if err != nil {
				return nil, fmt.Errorf("invalid index %q", idxTok.value)
			}
			n = &node{kind: ndIndex, value: idx, children: []*node{n}}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (*node, error) {
	tok := p.advance()

	switch tok.kind {
	case tkLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tkRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		return &node{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at position %d", tok.value, tok.pos)
			}
			return &node{kind: ndLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", tok.value, tok.pos)
		}
		return &node{kind: ndLiteral, value: i}, nil

	case tkDateTime:
		t, err := parseDateTime(tok.value)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at position %d: %w", tok.value, tok.pos, err)
		}
		return &node{kind: ndLiteral, value: t}, nil

	case tkIdent:
		switch tok.value {
		case "true":
			return &node{kind: ndLiteral, value: true}, nil
		case "false":
			return &node{kind: ndLiteral, value: false}, nil
		}
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &node{kind: ndFunction, value: tok.value, children: args}, nil
		}
		return &node{kind: ndPath, value: tok.value}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
}

// parseArgs parses a comma-separated argument list and the closing paren.
func (p *parser) parseArgs() ([]*node, error) {
	var args []*node
	if p.peek().kind == tkRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, p.expect(tkRParen, "')'")
}

// checkFunctions walks the tree and rejects calls to unknown functions so
// that syntax validation catches them before evaluation.
func checkFunctions(n *node) error {
	if n == nil {
		return nil
	}
	if n.kind == ndFunction {
		name := n.value.(string)
		spec, ok := functionTable[name]
		if !ok {
			return fmt.Errorf("unknown function %q", name)
		}
		if spec.standalone && !spec.either && n.receiver != nil {
			return fmt.Errorf("function %q takes no receiver", name)
		}
		if len(n.children) < spec.minArgs || len(n.children) > spec.maxArgs {
			return fmt.Errorf("function %q expects %d..%d arguments, got %d", name, spec.minArgs, spec.maxArgs, len(n.children))
		}
		if err := checkFunctions(n.receiver); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := checkFunctions(c); err != nil {
			return err
		}
	}
	return nil
}
