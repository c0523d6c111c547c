package hostfuncs

import "sync"

// DefaultSeed is the register value at process start.
const DefaultSeed uint16 = 0xACE1

// LFSR is a 16-bit Fibonacci linear-feedback shift register with taps at
// bits 0, 2, 3 and 5 (polynomial x^16 + x^14 + x^13 + x^11 + 1). From any
// non-zero seed it cycles through all 65535 non-zero states.
//
// It is NOT cryptographically secure. Its output is fully predictable and
// must never be used where unpredictability is a security requirement.
type LFSR struct {
	r uint16
}

// NewLFSR creates a register with the given seed. A zero seed would lock the
// register at zero, so it is replaced by DefaultSeed.
func NewLFSR(seed uint16) *LFSR {
	if seed == 0 {
		seed = DefaultSeed
	}
	return &LFSR{r: seed}
}

// Next advances the register once and returns its new value.
func (l *LFSR) Next() uint16 {
	bit := (l.r ^ (l.r >> 2) ^ (l.r >> 3) ^ (l.r >> 5)) & 1
	l.r = (l.r >> 1) | (bit << 15)
	return l.r
}

// NextByte advances the register and returns the low byte of the new value.
func (l *LFSR) NextByte() byte {
	return byte(l.Next())
}

// State returns the current register value.
func (l *LFSR) State() uint16 {
	return l.r
}

// RandomSource is a mutex-guarded LFSR shared by every session of a host,
// which makes the stream process-wide while keeping concurrent guests safe.
// Same caveat as LFSR: not for security use.
type RandomSource struct {
	mu   sync.Mutex
	lfsr *LFSR
}

// NewRandomSource creates a source seeded with seed (0 means DefaultSeed).
func NewRandomSource(seed uint16) *RandomSource {
	return &RandomSource{lfsr: NewLFSR(seed)}
}

// NextByte returns the next byte of the stream.
func (s *RandomSource) NextByte() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lfsr.NextByte()
}

// Read fills p from the stream. It always returns len(p), nil.
func (s *RandomSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range p {
		p[i] = s.lfsr.NextByte()
	}
	return len(p), nil
}

// State returns the current register value.
func (s *RandomSource) State() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lfsr.State()
}
