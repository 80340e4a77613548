package tools

import (
	"math"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/errs"
)

const maxCalcDepth = 64

// sanitizeExpression keeps only digits, arithmetic operators, parentheses,
// dots and whitespace.
func sanitizeExpression(expr string) string {
	var b strings.Builder
	for _, r := range expr {
		switch {
		case r >= '0' && r <= '9':
		case strings.ContainsRune("+-*/().", r):
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
		default:
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Evaluate computes an arithmetic expression after sanitizing it. Supported:
// + - * / // ** with parentheses, unary signs and decimals.
func Evaluate(expr string) (float64, error) {
	clean := strings.TrimSpace(sanitizeExpression(expr))
	if clean == "" {
		return 0, goerr.Wrap(errs.ErrInvalidExpression, "expression has no arithmetic content", goerr.V("expression", expr))
	}

	p := &calcParser{src: clean}
	v, err := p.parseExpr()
	if err != nil {
		return 0, goerr.Wrap(errs.ErrCalculation, err.Error(), goerr.V("expression", clean))
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, goerr.Wrap(errs.ErrCalculation, "unexpected input", goerr.V("expression", clean), goerr.V("offset", p.pos))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, goerr.Wrap(errs.ErrCalculation, "result is not finite", goerr.V("expression", clean))
	}
	return v, nil
}

func formatNumber(v float64) string {
	if v == 0 {
		// avoid "-0"
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type calcParser struct {
	src   string
	pos   int
	depth int
}

func (p *calcParser) skipSpace() {
	for p.pos < len(p.src) && strings.IndexByte(" \t\n\r\v\f", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *calcParser) peek(tok string) bool {
	p.skipSpace()
	return strings.HasPrefix(p.src[p.pos:], tok)
}

func (p *calcParser) accept(tok string) bool {
	if p.peek(tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

// expr := term (('+' | '-') term)*
func (p *calcParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.accept("+"):
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case p.accept("-"):
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// term := unary (('*' | '/' | '//') unary)*
func (p *calcParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.peek("**"):
			return left, nil
		case p.accept("*"):
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.accept("//"):
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, goerr.New("division by zero")
			}
			left = math.Floor(left / right)
		case p.accept("/"):
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, goerr.New("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

// unary := ('+' | '-') unary | power
func (p *calcParser) parseUnary() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	switch {
	case p.accept("+"):
		return p.parseUnary()
	case p.accept("-"):
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePower()
}

// power := primary ('**' unary)?, right associative
func (p *calcParser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	if !p.accept("**") {
		return base, nil
	}
	exp, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if base == 0 && exp < 0 {
		return 0, goerr.New("division by zero")
	}
	return math.Pow(base, exp), nil
}

// primary := number | '(' expr ')'
func (p *calcParser) parsePrimary() (float64, error) {
	if p.accept("(") {
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if !p.accept(")") {
			return 0, goerr.New("missing closing parenthesis")
		}
		return v, nil
	}
	return p.parseNumber()
}

func (p *calcParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	dots := 0
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' {
			dots++
		} else if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	lit := p.src[start:p.pos]
	if lit == "" {
		if p.pos >= len(p.src) {
			return 0, goerr.New("unexpected end of expression")
		}
		return 0, goerr.New("expected a number", goerr.V("offset", p.pos))
	}
	if dots > 1 || lit == "." {
		return 0, goerr.New("malformed number", goerr.V("literal", lit))
	}
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, goerr.Wrap(err, "malformed number", goerr.V("literal", lit))
	}
	return v, nil
}

func (p *calcParser) enter() error {
	p.depth++
	if p.depth > maxCalcDepth {
		return goerr.New("expression nested too deeply")
	}
	return nil
}

func (p *calcParser) leave() { p.depth-- }
