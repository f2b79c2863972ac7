package lapic

import "math/bits"

// vectorSet is a 256-bit per-vector bitmap held as eight 32-bit chunks,
// chunk i covering vectors [32*i, 32*i+31]. The chunks map directly onto
// the IRR/ISR/TMR register banks.
type vectorSet [8]uint32

func (s *vectorSet) set(vec uint8) {
	s[vec>>5] |= 1 << (vec & 31)
}

func (s *vectorSet) clear(vec uint8) {
	s[vec>>5] &^= 1 << (vec & 31)
}

func (s *vectorSet) test(vec uint8) bool {
	return s[vec>>5]&(1<<(vec&31)) != 0
}

// highest returns the numerically highest set vector. ok is false when the
// set is empty.
func (s *vectorSet) highest() (uint8, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == 0 {
			continue
		}
		return uint8(i<<5 | (31 - bits.LeadingZeros32(s[i]))), true
	}
	return 0, false
}

// chunk returns the 32-vector block backing a register read.
func (s *vectorSet) chunk(i int) uint32 {
	return s[i]
}
