// framer.go assembles the recovered bit stream into bytes. SAME transmits
// each byte least-significant bit first with no start or stop bits, so
// byte phase is established once per burst by correlating against the
// repeated 0xAB preamble and held until the framer is reset.
package samedec

const preambleByte = 0xAB

type frameResult int

const (
	frameNone frameResult = iota
	// frameLocked is reported on the bit that completed two consecutive
	// preamble bytes in the shift register. Byte assembly starts with
	// the next bit.
	frameLocked
	frameByte
)

type framer struct {
	// reg holds the last 16 bits while hunting, newest bit in the top
	// position so that two full preamble bytes read 0xABAB.
	reg    uint16
	locked bool

	cur      uint8
	bitCount int
}

// pushBit consumes one bit. The returned byte is meaningful only when the
// result is frameByte.
func (f *framer) pushBit(bit uint8) (frameResult, byte) {
	if !f.locked {
		f.reg = (f.reg >> 1) | (uint16(bit) << 15)
		if f.reg == uint16(preambleByte)<<8|preambleByte {
			f.locked = true
			f.cur = 0
			f.bitCount = 0
			return frameLocked, 0
		}
		return frameNone, 0
	}

	f.cur = (f.cur >> 1) | (bit << 7)
	f.bitCount++
	if f.bitCount < 8 {
		return frameNone, 0
	}
	b := f.cur
	f.cur = 0
	f.bitCount = 0
	return frameByte, b
}

// reset returns the framer to hunting. The shift register is cleared so a
// stale window cannot immediately re-lock on old bits.
func (f *framer) reset() {
	f.reg = 0
	f.locked = false
	f.cur = 0
	f.bitCount = 0
}
