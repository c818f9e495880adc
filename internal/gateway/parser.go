package gateway

// parserState is one state of the incremental HTTP/1.x request-line +
// headers parser, named exactly after the transition table this gateway
// implements.
type parserState int

const (
	stateMethodStart parserState = iota
	stateMethod
	stateURIStart
	stateURI
	stateHV_H
	stateHV_T1
	stateHV_T2
	stateHV_P
	stateHV_Slash
	stateMajorStart
	stateMajor
	stateMinorStart
	stateMinor
	stateExpectNL1
	stateHdrLineStart
	stateHdrLWS
	stateHdrName
	stateSpBeforeVal
	stateHdrValue
	stateExpectNL2
	stateExpectNL3
)

// ParseResult is the outcome of feeding bytes to the parser.
type ParseResult int

const (
	// NeedMore means all fed bytes were consumed but the terminal
	// "\r\n\r\n" has not yet been seen.
	NeedMore ParseResult = iota
	// Done means the header block (through the terminating blank line)
	// has been fully parsed.
	Done
	// Bad means an invalid byte was encountered; the parser is latched
	// and must not be reused.
	Bad
)

// RequestParser is an incremental, byte-driven state machine for the
// HTTP/1.x request-line and header block. It holds no reference to a
// socket; callers feed it bytes as they arrive and inspect the result.
type RequestParser struct {
	state parserState
	bad   bool
	done  bool
}

// NewRequestParser returns a fresh parser ready to parse one request.
func NewRequestParser() *RequestParser {
	return &RequestParser{state: stateMethodStart}
}

// Reset returns the parser to its initial state so it can parse the next
// pipelined request on the same connection.
func (p *RequestParser) Reset() {
	p.state = stateMethodStart
	p.bad = false
	p.done = false
}

const (
	cr = '\r'
	lf = '\n'
	sp = ' '
	ht = '\t'
)

func isCtl(c byte) bool {
	return c <= 31 || c == 127
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isTspecial(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}', sp, ht:
		return true
	default:
		return false
	}
}

// isChar reports whether c is in the "char" class: 0..127.
func isChar(c byte) bool {
	return c <= 127
}

// Parse feeds data to the parser against req, consuming bytes until either
// the terminal blank line is seen (Done), an invalid byte is found (Bad),
// or the input runs out (NeedMore). consumed is always the number of bytes
// actually examined, which on Done equals the length of the header block
// including the terminating "\r\n\r\n". Once Done or Bad has been
// returned, the parser must not be fed more bytes without a Reset.
func (p *RequestParser) Parse(req *Request, data []byte) (result ParseResult, consumed int) {
	if p.bad {
		return Bad, 0
	}
	if p.done {
		return Done, 0
	}

	for i, c := range data {
		if !p.consume(req, c) {
			p.bad = true
			return Bad, i + 1
		}
		if p.done {
			return Done, i + 1
		}
	}
	return NeedMore, len(data)
}

// consume applies one byte to the state machine, mutating req as the
// transition table's side effects dictate. It returns false on any byte
// that the table does not accept from the current state.
func (p *RequestParser) consume(req *Request, c byte) bool {
	switch p.state {
	case stateMethodStart:
		if isChar(c) && !isCtl(c) && !isTspecial(c) {
			req.Method += string(c)
			p.state = stateMethod
			return true
		}
		return false

	case stateMethod:
		if c == sp {
			p.state = stateURIStart
			return true
		}
		if isChar(c) && !isCtl(c) && !isTspecial(c) {
			req.Method += string(c)
			return true
		}
		return false

	case stateURIStart:
		if isCtl(c) {
			return false
		}
		req.URI += string(c)
		p.state = stateURI
		return true

	case stateURI:
		if c == sp {
			p.state = stateHV_H
			return true
		}
		if isCtl(c) {
			return false
		}
		req.URI += string(c)
		return true

	case stateHV_H:
		if c == 'H' {
			p.state = stateHV_T1
			return true
		}
		return false

	case stateHV_T1:
		if c == 'T' {
			p.state = stateHV_T2
			return true
		}
		return false

	case stateHV_T2:
		if c == 'T' {
			p.state = stateHV_P
			return true
		}
		return false

	case stateHV_P:
		if c == 'P' {
			p.state = stateHV_Slash
			return true
		}
		return false

	case stateHV_Slash:
		if c == '/' {
			req.HTTPVersionMajor = 0
			req.HTTPVersionMinor = 0
			p.state = stateMajorStart
			return true
		}
		return false

	case stateMajorStart:
		if isDigit(c) {
			req.HTTPVersionMajor = int(c - '0')
			p.state = stateMajor
			return true
		}
		return false

	case stateMajor:
		if c == '.' {
			p.state = stateMinorStart
			return true
		}
		if isDigit(c) {
			req.HTTPVersionMajor = req.HTTPVersionMajor*10 + int(c-'0')
			return true
		}
		return false

	case stateMinorStart:
		if isDigit(c) {
			req.HTTPVersionMinor = int(c - '0')
			p.state = stateMinor
			return true
		}
		return false

	case stateMinor:
		if c == cr {
			p.state = stateExpectNL1
			return true
		}
		if isDigit(c) {
			req.HTTPVersionMinor = req.HTTPVersionMinor*10 + int(c-'0')
			return true
		}
		return false

	case stateExpectNL1:
		if c == lf {
			p.state = stateHdrLineStart
			return true
		}
		return false

	case stateHdrLineStart:
		if c == cr {
			p.state = stateExpectNL3
			return true
		}
		if (c == sp || c == ht) && len(req.Headers) > 0 {
			p.state = stateHdrLWS
			return true
		}
		if isChar(c) && !isCtl(c) && !isTspecial(c) {
			req.Headers = append(req.Headers, Header{Name: string(c)})
			p.state = stateHdrName
			return true
		}
		return false

	case stateHdrLWS:
		if c == cr {
			p.state = stateExpectNL2
			return true
		}
		if c == sp || c == ht {
			return true
		}
		if isCtl(c) {
			return false
		}
		last := len(req.Headers) - 1
		req.Headers[last].Value += string(c)
		p.state = stateHdrValue
		return true

	case stateHdrName:
		if c == ':' {
			p.state = stateSpBeforeVal
			return true
		}
		if isChar(c) && !isCtl(c) && !isTspecial(c) {
			last := len(req.Headers) - 1
			req.Headers[last].Name += string(c)
			return true
		}
		return false

	case stateSpBeforeVal:
		if c == sp {
			p.state = stateHdrValue
			return true
		}
		return false

	case stateHdrValue:
		if c == cr {
			p.state = stateExpectNL2
			return true
		}
		if isCtl(c) {
			return false
		}
		last := len(req.Headers) - 1
		req.Headers[last].Value += string(c)
		return true

	case stateExpectNL2:
		if c == lf {
			p.state = stateHdrLineStart
			return true
		}
		return false

	case stateExpectNL3:
		if c == lf {
			p.done = true
			return true
		}
		return false

	default:
		return false
	}
}
