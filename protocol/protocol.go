// Package protocol implements the benchmark wire format: a request is a
// little-endian header of two unsigned 32-bit integers, length and
// response_bytes, followed by length payload bytes. The receiver answers
// each completed request with response_bytes bytes of unspecified
// content.
package protocol

import "encoding/binary"

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 8

// Consumed accumulates the outcome of parsing one or more input chunks.
type Consumed struct {
	// Count is the number of frames completed.
	Count uint32
	// ToWrite is the total response bytes owed for the completed frames.
	ToWrite uint64
}

// Add folds rhs into c.
func (c *Consumed) Add(rhs Consumed) {
	c.Count += rhs.Count
	c.ToWrite += rhs.ToWrite
}

// Parser is a resumable frame decoder. Input may be split at arbitrary
// byte boundaries across Consume calls.
//
// The zero value is ready to use. Not safe for concurrent use.
type Parser struct {
	length     uint32
	respBytes  uint32
	header     [HeaderSize]byte
	headerHave uint32
	soFar      uint32
}

// Consume feeds b to the parser and reports frames completed by it.
func (p *Parser) Consume(b []byte) Consumed {
	var ret Consumed
	for len(b) > 0 {
		n := uint32(len(b))
		p.soFar += n
		if p.length == 0 {
			if n >= HeaderSize && p.headerHave == 0 {
				// Header wholly inside this chunk: decode in place.
				p.headerHave = HeaderSize
				p.length = binary.LittleEndian.Uint32(b)
				p.respBytes = binary.LittleEndian.Uint32(b[4:])
			} else {
				add := min(n, HeaderSize-p.headerHave)
				copy(p.header[p.headerHave:], b[:add])
				p.headerHave += add
				if p.headerHave >= HeaderSize {
					p.length = binary.LittleEndian.Uint32(p.header[:])
					p.respBytes = binary.LittleEndian.Uint32(p.header[4:])
				}
			}
		}
		if p.length != 0 && p.soFar >= p.length+HeaderSize {
			surplus := p.soFar - (p.length + HeaderSize)
			b = b[n-surplus:]
			ret.ToWrite += uint64(p.respBytes)
			ret.Count++
			p.reset()
		} else {
			break
		}
	}
	return ret
}

func (p *Parser) reset() {
	p.length = 0
	p.respBytes = 0
	p.headerHave = 0
	p.soFar = 0
}

// AppendFrame appends one request frame with the given response demand
// and payload to dst.
func AppendFrame(dst []byte, responseBytes uint32, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], responseBytes)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
