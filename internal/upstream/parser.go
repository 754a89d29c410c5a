package upstream

// Parser incrementally scans the upstream's bracketed-array-of-objects
// response body, which may split mid-string or mid-object across chunk
// boundaries. It never buffers more than the bytes of the object currently
// being assembled.
//
// States, one per spec: outside, inside (brace depth d), in-string,
// escape-next. Top-level '[' opens the array (skipped); top-level ']'
// closes it and Feed returns (done=true, nil) on the byte that closes it.
type Parser struct {
	state      parserState
	depth      int
	buf        []byte
	opened     bool
	closed     bool
	onObject   func(obj []byte)
}

type parserState int

const (
	stateOutside parserState = iota
	stateInside
	stateInString
	stateEscapeNext
)

// NewParser constructs a Parser that invokes onObject with the raw bytes of
// each completed top-level JSON object, in arrival order.
func NewParser(onObject func(obj []byte)) *Parser {
	return &Parser{onObject: onObject}
}

// Feed processes the next chunk of upstream bytes. It returns done=true once
// the top-level array has been closed; subsequent Feed calls are no-ops.
func (p *Parser) Feed(chunk []byte) (done bool, err error) {
	if p.closed {
		return true, nil
	}

	// While in stateInString/stateEscapeNext, '{'/'}' do not touch depth.
	// Strings only occur inside an object, so a closing quote always returns
	// to stateInside.
	for _, b := range chunk {
		switch p.state {
		case stateEscapeNext:
			p.buf = append(p.buf, b)
			p.state = stateInString

		case stateInString:
			p.buf = append(p.buf, b)
			switch b {
			case '\\':
				p.state = stateEscapeNext
			case '"':
				p.state = stateInside
			}

		case stateInside:
			p.buf = append(p.buf, b)
			switch b {
			case '"':
				p.state = stateInString
			case '{':
				p.depth++
			case '}':
				p.depth--
				if p.depth == 0 {
					obj := p.buf
					p.buf = nil
					p.state = stateOutside
					if p.onObject != nil {
						p.onObject(obj)
					}
				}
			}

		case stateOutside:
			switch b {
			case '[':
				if !p.opened {
					p.opened = true
					continue
				}
				// A nested '[' before any object has opened is not part of
				// this framing; ignore defensively.
			case ']':
				p.closed = true
				return true, nil
			case ',', '\r', '\n', ' ', '\t':
				// whitespace/separator between objects — skip
			case '{':
				p.buf = append(p.buf[:0], b)
				p.depth = 1
				p.state = stateInside
			default:
				// Stray byte outside an object; ignore rather than failing
				// the whole call, since per-object framing is forgiving.
			}
		}
	}

	return false, nil
}

// Reset clears all parser state so the same Parser can be reused for a new
// call.
func (p *Parser) Reset() {
	p.state = stateOutside
	p.depth = 0
	p.buf = nil
	p.opened = false
	p.closed = false
}
