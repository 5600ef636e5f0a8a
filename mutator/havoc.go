package mutator

import (
	"encoding/binary"

	"alma.local/covfuzz/state"
)

// DefaultMaxInputSize bounds mutated inputs when nothing else is configured.
const DefaultMaxInputSize = 1 << 20

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

const arithMax = 35

// Op is a single havoc operator. It returns the (possibly reallocated)
// buffer and whether it changed anything.
type Op struct {
	Name  string
	Apply func(st *state.State, buf []byte, maxSize int) ([]byte, bool)
}

// Havoc stacks a random number of operators on one input.
type Havoc struct {
	ops         []Op
	maxStackPow int
	maxSize     int
}

type HavocOption func(*Havoc)

// WithMaxStackPow stacks up to 2^n operators per mutation.
func WithMaxStackPow(n int) HavocOption {
	return func(h *Havoc) { h.maxStackPow = n }
}

func WithMaxSize(n int) HavocOption {
	return func(h *Havoc) { h.maxSize = n }
}

// WithOps replaces the operator set.
func WithOps(ops ...Op) HavocOption {
	return func(h *Havoc) { h.ops = ops }
}

func NewHavoc(opts ...HavocOption) *Havoc {
	h := &Havoc{ops: DefaultOps(), maxStackPow: 7, maxSize: DefaultMaxInputSize}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxStackPow < 1 {
		h.maxStackPow = 1
	}
	return h
}

func (h *Havoc) Mutate(st *state.State, input []byte) ([]byte, Result, error) {
	stack := 1 << st.Rand.Between(1, h.maxStackPow)
	res := Skipped
	for i := 0; i < stack; i++ {
		op := h.ops[st.Rand.Below(len(h.ops))]
		var changed bool
		input, changed = op.Apply(st, input, h.maxSize)
		if changed {
			res = Mutated
		}
	}
	if len(input) > h.maxSize {
		input = input[:h.maxSize]
	}
	return input, res, nil
}

// DefaultOps is the standard havoc operator set.
func DefaultOps() []Op {
	return []Op{
		{"bit_flip", bitFlip},
		{"byte_flip", byteFlip},
		{"byte_inc", byteInc},
		{"byte_dec", byteDec},
		{"byte_neg", byteNeg},
		{"byte_rand", byteRand},
		{"byte_add", byteAdd},
		{"word_add", wordAdd},
		{"dword_add", dwordAdd},
		{"byte_interesting", byteInteresting},
		{"word_interesting", wordInteresting},
		{"dword_interesting", dwordInteresting},
		{"bytes_delete", bytesDelete},
		{"bytes_expand", bytesExpand},
		{"byte_insert", byteInsert},
		{"bytes_set", bytesSet},
		{"bytes_copy", bytesCopy},
		{"bytes_swap", bytesSwap},
		{"splice", splice},
	}
}

func bitFlip(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	b[st.Rand.Below(len(b))] ^= 1 << st.Rand.Below(8)
	return b, true
}

func byteFlip(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	b[st.Rand.Below(len(b))] ^= 0xff
	return b, true
}

func byteInc(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	b[st.Rand.Below(len(b))]++
	return b, true
}

func byteDec(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	b[st.Rand.Below(len(b))]--
	return b, true
}

func byteNeg(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	i := st.Rand.Below(len(b))
	b[i] = -b[i]
	return b, true
}

func byteRand(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	i := st.Rand.Below(len(b))
	old := b[i]
	b[i] ^= byte(1 + st.Rand.Below(255))
	return b, b[i] != old
}

func delta(st *state.State) int {
	d := 1 + st.Rand.Below(arithMax)
	if st.Rand.Coin(0.5) {
		return -d
	}
	return d
}

func byteAdd(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	i := st.Rand.Below(len(b))
	b[i] = byte(int(b[i]) + delta(st))
	return b, true
}

func order(st *state.State) binary.ByteOrder {
	if st.Rand.Coin(0.5) {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func wordAdd(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 2 {
		return b, false
	}
	i := st.Rand.Below(len(b) - 1)
	o := order(st)
	o.PutUint16(b[i:], uint16(int(o.Uint16(b[i:]))+delta(st)))
	return b, true
}

func dwordAdd(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 4 {
		return b, false
	}
	i := st.Rand.Below(len(b) - 3)
	o := order(st)
	o.PutUint32(b[i:], uint32(int64(o.Uint32(b[i:]))+int64(delta(st))))
	return b, true
}

func byteInteresting(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	b[st.Rand.Below(len(b))] = byte(interesting8[st.Rand.Below(len(interesting8))])
	return b, true
}

func wordInteresting(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 2 {
		return b, false
	}
	i := st.Rand.Below(len(b) - 1)
	order(st).PutUint16(b[i:], uint16(interesting16[st.Rand.Below(len(interesting16))]))
	return b, true
}

func dwordInteresting(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 4 {
		return b, false
	}
	i := st.Rand.Below(len(b) - 3)
	order(st).PutUint32(b[i:], uint32(interesting32[st.Rand.Below(len(interesting32))]))
	return b, true
}

// blockLen picks a block length in [1, limit] biased towards short blocks.
func blockLen(st *state.State, limit int) int {
	if limit <= 1 {
		return 1
	}
	switch st.Rand.Below(3) {
	case 0:
		return 1 + st.Rand.Below(min(limit, 8))
	case 1:
		return 1 + st.Rand.Below(min(limit, 32))
	}
	return 1 + st.Rand.Below(limit)
}

func bytesDelete(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 2 {
		return b, false
	}
	n := blockLen(st, len(b)-1)
	i := st.Rand.Below(len(b) - n + 1)
	return append(b[:i], b[i+n:]...), true
}

func bytesExpand(st *state.State, b []byte, maxSize int) ([]byte, bool) {
	if len(b) == 0 || len(b) >= maxSize {
		return b, false
	}
	n := blockLen(st, min(len(b), maxSize-len(b)))
	i := st.Rand.Below(len(b) - n + 1)
	block := append([]byte(nil), b[i:i+n]...)
	at := st.Rand.Below(len(b) + 1)
	return insert(b, at, block), true
}

func byteInsert(st *state.State, b []byte, maxSize int) ([]byte, bool) {
	if len(b) >= maxSize {
		return b, false
	}
	n := blockLen(st, min(16, maxSize-len(b)))
	block := make([]byte, n)
	if len(b) > 0 && st.Rand.Coin(0.5) {
		v := b[st.Rand.Below(len(b))]
		for i := range block {
			block[i] = v
		}
	} else {
		st.Rand.Fill(block)
	}
	return insert(b, st.Rand.Below(len(b)+1), block), true
}

func bytesSet(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	n := blockLen(st, len(b))
	i := st.Rand.Below(len(b) - n + 1)
	v := byte(st.Rand.Below(256))
	for j := i; j < i+n; j++ {
		b[j] = v
	}
	return b, true
}

func bytesCopy(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 2 {
		return b, false
	}
	n := blockLen(st, len(b)-1)
	from := st.Rand.Below(len(b) - n + 1)
	to := st.Rand.Below(len(b) - n + 1)
	if from == to {
		return b, false
	}
	copy(b[to:to+n], b[from:from+n])
	return b, true
}

func bytesSwap(st *state.State, b []byte, _ int) ([]byte, bool) {
	if len(b) < 2 {
		return b, false
	}
	n := blockLen(st, len(b)/2)
	first := st.Rand.Below(len(b) - 2*n + 1)
	second := first + n + st.Rand.Below(len(b)-first-2*n+1)
	tmp := append([]byte(nil), b[first:first+n]...)
	copy(b[first:first+n], b[second:second+n])
	copy(b[second:second+n], tmp)
	return b, true
}

// splice replaces the tail of b, from a random point, with the tail of
// another corpus entry.
func splice(st *state.State, b []byte, maxSize int) ([]byte, bool) {
	ids := st.Corpus.IDs()
	if len(ids) < 2 || len(b) < 2 {
		return b, false
	}
	cur, _ := st.Corpus.Current()
	id := ids[st.Rand.Below(len(ids))]
	if id == cur {
		return b, false
	}
	other, err := st.Corpus.Get(id)
	if err != nil || len(other.Input) < 2 {
		return b, false
	}
	at := 1 + st.Rand.Below(len(b)-1)
	from := st.Rand.Below(len(other.Input))
	out := append(b[:at:at], other.Input[from:]...)
	if len(out) > maxSize {
		out = out[:maxSize]
	}
	return out, true
}

func insert(b []byte, at int, block []byte) []byte {
	out := make([]byte, 0, len(b)+len(block))
	out = append(out, b[:at]...)
	out = append(out, block...)
	return append(out, b[at:]...)
}
