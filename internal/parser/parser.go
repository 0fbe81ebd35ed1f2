// Package parser provides an incremental HTTP/1.x request-line parser.
package parser

import "errors"

// DefaultMaxLine bounds the request line when Init is given a non-positive limit.
const DefaultMaxLine = 8192

var (
	ErrInvalidMethod  = errors.New("parser: invalid method")
	ErrInvalidURL     = errors.New("parser: invalid request target")
	ErrInvalidVersion = errors.New("parser: invalid HTTP version")
	ErrLineTooLong    = errors.New("parser: request line too long")
)

// Request holds the fields of a parsed request line.
type Request struct {
	Method  string
	URL     string
	Version string
}

// String renders the request line without its terminator.
func (r *Request) String() string {
	return r.Method + " " + r.URL + " " + r.Version
}

// OnComplete is invoked once per Init, when the request line has been parsed.
// The Request is owned by the parser; callers copy what they keep.
type OnComplete func(req *Request)

type state uint8

const (
	stateStart state = iota // skipping empty lines before the request line
	stateMethod
	stateURL
	stateVersion
	stateLF // CR seen after the version
	stateDone
	stateError
)

// Parser consumes raw bytes in arbitrary chunks. The zero value must be
// initialised with Init before use.
type Parser struct {
	state      state
	field      []byte
	req        Request
	onComplete OnComplete
	maxLine    int
	lineLen    int
	err        error
}

// Init prepares the parser for a new request.
func (p *Parser) Init(maxLine int, onComplete OnComplete) {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	p.state = stateStart
	p.field = p.field[:0]
	p.req = Request{}
	p.onComplete = onComplete
	p.maxLine = maxLine
	p.lineLen = 0
	p.err = nil
}

// Execute feeds data to the parser and returns the number of bytes consumed.
// A return value smaller than len(data) means the input is malformed; the
// offending byte is data[n] and Err reports why. Bytes following a complete
// request line (the header block) are consumed and ignored. The parser never
// retains data.
func (p *Parser) Execute(data []byte) int {
	switch p.state {
	case stateDone:
		return len(data)
	case stateError:
		return 0
	}

	for i, b := range data {
		if p.state == stateDone {
			break
		}
		if p.state != stateStart {
			p.lineLen++
			if p.lineLen > p.maxLine {
				return p.fail(i, ErrLineTooLong)
			}
		}

		switch p.state {
		case stateStart:
			if b == '\r' || b == '\n' {
				continue
			}
			if !isToken(b) {
				return p.fail(i, ErrInvalidMethod)
			}
			p.field = append(p.field[:0], b)
			p.lineLen = 1
			p.state = stateMethod

		case stateMethod:
			switch {
			case b == ' ':
				p.req.Method = string(p.field)
				p.field = p.field[:0]
				p.state = stateURL
			case isToken(b):
				p.field = append(p.field, b)
			default:
				return p.fail(i, ErrInvalidMethod)
			}

		case stateURL:
			switch {
			case b == ' ':
				if len(p.field) == 0 {
					return p.fail(i, ErrInvalidURL)
				}
				p.req.URL = string(p.field)
				p.field = p.field[:0]
				p.state = stateVersion
			case b > ' ' && b != 0x7f:
				p.field = append(p.field, b)
			default:
				return p.fail(i, ErrInvalidURL)
			}

		case stateVersion:
			switch b {
			case '\r', '\n':
				if !validVersion(p.field) {
					return p.fail(i, ErrInvalidVersion)
				}
				p.req.Version = string(p.field)
				p.field = p.field[:0]
				if b == '\r' {
					p.state = stateLF
				} else {
					p.complete()
				}
			default:
				if len(p.field) >= len("HTTP/1.1") {
					return p.fail(i, ErrInvalidVersion)
				}
				p.field = append(p.field, b)
			}

		case stateLF:
			if b != '\n' {
				return p.fail(i, ErrInvalidVersion)
			}
			p.complete()
		}
	}
	return len(data)
}

// Done reports whether the request line has been parsed.
func (p *Parser) Done() bool { return p.state == stateDone }

// Err returns the reason parsing stopped, if it did.
func (p *Parser) Err() error { return p.err }

// Reset tears the parser down, dropping its buffers and callback.
func (p *Parser) Reset() {
	p.state = stateStart
	p.field = nil
	p.req = Request{}
	p.onComplete = nil
	p.lineLen = 0
	p.err = nil
}

func (p *Parser) complete() {
	p.state = stateDone
	if p.onComplete != nil {
		p.onComplete(&p.req)
	}
}

func (p *Parser) fail(offset int, err error) int {
	p.state = stateError
	p.err = err
	return offset
}

// validVersion matches HTTP/<digit>.<digit>.
func validVersion(v []byte) bool {
	if len(v) != len("HTTP/1.1") || string(v[:5]) != "HTTP/" {
		return false
	}
	return isDigit(v[5]) && v[6] == '.' && isDigit(v[7])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// isToken reports whether b is an RFC 9110 tchar.
func isToken(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', isDigit(b):
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
