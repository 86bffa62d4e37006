package fhirpath

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkNumber                    // integer or decimal
	tkString                    // 'single-quoted'
	tkDateTime                  // @2024-01-01 ...
	tkDot
	tkLParen
	tkRParen
	tkLBrack
	tkRBrack
	tkComma
	tkEq
	tkNe
	tkLt
	tkGt
	tkLe
	tkGe
	tkPipe
	tkEOF
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

var singleCharTokens = map[byte]tokenKind{
	'.': tkDot,
	'(': tkLParen,
	')': tkRParen,
	'[': tkLBrack,
	']': tkRBrack,
	',': tkComma,
	'|': tkPipe,
	'=': tkEq,
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i, n := 0, len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		if kind, ok := singleCharTokens[ch]; ok {
			tokens = append(tokens, token{kind, string(ch), start})
			i++
			continue
		}

		switch {
		case ch == '!':
			if i+1 >= n || input[i+1] != '=' {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
			tokens = append(tokens, token{tkNe, "!=", start})
			i += 2
		case ch == '<' || ch == '>':
			kind, text := tkLt, "<"
			if ch == '>' {
				kind, text = tkGt, ">"
			}
			if i+1 < n && input[i+1] == '=' {
				if ch == '<' {
					kind, text = tkLe, "<="
				} else {
					kind, text = tkGe, ">="
				}
				i++
			}
			tokens = append(tokens, token{kind, text, start})
			i++
		case ch == '\'':
			s, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, start})
			i = next
		case ch == '@':
			j := i + 1
			for j < n && strings.IndexByte("-:T+Z.0123456789", input[j]) >= 0 {
				j++
			}
			tokens = append(tokens, token{tkDateTime, input[i+1 : j], start})
			i = j
		case ch == '-' || (ch >= '0' && ch <= '9'):
			j := i
			if ch == '-' {
				j++
			}
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j < n && input[j] == '.' && j+1 < n && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			if j == start+1 && ch == '-' {
				return nil, fmt.Errorf("unexpected character '-' at position %d", start)
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	return append(tokens, token{tkEOF, "", n}), nil
}

func lexString(input string, i int) (string, int, error) {
	start := i
	i++
	var sb strings.Builder
	for i < len(input) && input[i] != '\'' {
		if input[i] == '\\' && i+1 < len(input) {
			i++
			switch input[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(input[i])
			}
		} else {
			sb.WriteByte(input[i])
		}
		i++
	}
	if i >= len(input) {
		return "", 0, fmt.Errorf("unterminated string at position %d", start)
	}
	return sb.String(), i + 1, nil
}
