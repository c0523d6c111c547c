package testutil

import (
	"github.com/tetratelabs/wazero/api"
)

// Module assembles a WebAssembly binary for tests. Imports must be declared
// before any function so that function indices are stable.
type Module struct {
	types   [][]byte
	imports []importEntry
	funcs   []funcEntry
	pages   uint32
	globals []globalEntry
	data    []dataEntry
	exports []exportEntry
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type funcEntry struct {
	typeIdx uint32
	locals  []api.ValueType
	body    []byte
}

type globalEntry struct {
	value int32
}

type dataEntry struct {
	offset uint32
	bytes  []byte
}

type exportEntry struct {
	name string
	kind byte
	idx  uint32
}

const (
	exportFunc   = 0x00
	exportMemory = 0x02
	exportGlobal = 0x03
)

// NewModule starts an empty module.
func NewModule() *Module {
	return &Module{}
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("testutil: imports must be declared before functions")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, typeIdx: m.typeOf(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. A non-empty name exports
// it. The body is a sequence of instructions; the final end is appended.
func (m *Module) Func(name string, params, results, locals []api.ValueType, body ...[]byte) uint32 {
	var code []byte
	for _, instr := range body {
		code = append(code, instr...)
	}
	m.funcs = append(m.funcs, funcEntry{typeIdx: m.typeOf(params, results), locals: locals, body: code})
	idx := uint32(len(m.imports) + len(m.funcs) - 1)
	if name != "" {
		m.exports = append(m.exports, exportEntry{name: name, kind: exportFunc, idx: idx})
	}
	return idx
}

// Memory declares one memory of pages 64KiB pages, exported as "memory".
func (m *Module) Memory(pages uint32) {
	m.pages = pages
	m.exports = append(m.exports, exportEntry{name: "memory", kind: exportMemory})
}

// Global exports an immutable i32 global.
func (m *Module) Global(name string, value int32) {
	m.globals = append(m.globals, globalEntry{value: value})
	m.exports = append(m.exports, exportEntry{name: name, kind: exportGlobal, idx: uint32(len(m.globals) - 1)})
}

// Data places bytes in memory at offset.
func (m *Module) Data(offset uint32, bytes []byte) {
	m.data = append(m.data, dataEntry{offset: offset, bytes: bytes})
}

func (m *Module) typeOf(params, results []api.ValueType) uint32 {
	var t []byte
	t = append(t, 0x60)
	t = append(t, valueTypes(params)...)
	t = append(t, valueTypes(results)...)
	for i, existing := range m.types {
		if string(existing) == string(t) {
			return uint32(i)
		}
	}
	m.types = append(m.types, t)
	return uint32(len(m.types) - 1)
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	out = appendSection(out, 1, vector(len(m.types), func(i int) []byte { return m.types[i] }))

	if len(m.imports) > 0 {
		out = appendSection(out, 2, vector(len(m.imports), func(i int) []byte {
			imp := m.imports[i]
			b := name(imp.module)
			b = append(b, name(imp.name)...)
			b = append(b, 0x00)
			return append(b, uleb(uint64(imp.typeIdx))...)
		}))
	}

	if len(m.funcs) > 0 {
		out = appendSection(out, 3, vector(len(m.funcs), func(i int) []byte {
			return uleb(uint64(m.funcs[i].typeIdx))
		}))
	}

	if m.pages > 0 {
		out = appendSection(out, 5, vector(1, func(int) []byte {
			return append([]byte{0x00}, uleb(uint64(m.pages))...)
		}))
	}

	if len(m.globals) > 0 {
		out = appendSection(out, 6, vector(len(m.globals), func(i int) []byte {
			b := []byte{byte(api.ValueTypeI32), 0x00}
			b = append(b, I32Const(m.globals[i].value)...)
			return append(b, 0x0b)
		}))
	}

	if len(m.exports) > 0 {
		out = appendSection(out, 7, vector(len(m.exports), func(i int) []byte {
			e := m.exports[i]
			b := name(e.name)
			b = append(b, e.kind)
			return append(b, uleb(uint64(e.idx))...)
		}))
	}

	if len(m.funcs) > 0 {
		out = appendSection(out, 10, vector(len(m.funcs), func(i int) []byte {
			f := m.funcs[i]
			var b []byte
			b = append(b, uleb(uint64(len(f.locals)))...)
			for _, l := range f.locals {
				b = append(b, 0x01, byte(l))
			}
			b = append(b, f.body...)
			b = append(b, 0x0b)
			return append(uleb(uint64(len(b))), b...)
		}))
	}

	if len(m.data) > 0 {
		out = appendSection(out, 11, vector(len(m.data), func(i int) []byte {
			d := m.data[i]
			b := []byte{0x00}
			b = append(b, I32Const(int32(d.offset))...) //nolint:gosec // G115: test offsets are small
			b = append(b, 0x0b)
			b = append(b, uleb(uint64(len(d.bytes)))...)
			return append(b, d.bytes...)
		}))
	}

	return out
}

// Instructions.

// I32Const pushes v.
func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }

// I64Const pushes v.
func I64Const(v int64) []byte { return append([]byte{0x42}, sleb(v)...) }

// LocalGet pushes local i.
func LocalGet(i uint32) []byte { return append([]byte{0x20}, uleb(uint64(i))...) }

// LocalSet pops into local i.
func LocalSet(i uint32) []byte { return append([]byte{0x21}, uleb(uint64(i))...) }

// Call calls function idx.
func Call(idx uint32) []byte { return append([]byte{0x10}, uleb(uint64(idx))...) }

// I32Load8U loads a byte at the popped address.
func I32Load8U() []byte { return []byte{0x2d, 0x00, 0x00} }

// I32Store8 stores the low byte of a value at an address.
func I32Store8() []byte { return []byte{0x3a, 0x00, 0x00} }

// PackPtrLen packs the i32 pointer in local ptr and the i32 length in local
// n into one i64, pointer in the upper half.
func PackPtrLen(ptr, n uint32) []byte {
	var b []byte
	b = append(b, LocalGet(ptr)...)
	b = append(b, 0xad) // i64.extend_i32_u
	b = append(b, I64Const(32)...)
	b = append(b, 0x86) // i64.shl
	b = append(b, LocalGet(n)...)
	b = append(b, 0xad)
	b = append(b, 0x84) // i64.or
	return b
}

// If opens a block without results, taken when the popped i32 is non-zero.
func If() []byte { return []byte{0x04, 0x40} }

// Single-byte instructions.
var (
	Unreachable = []byte{0x00}
	Else        = []byte{0x05}
	End         = []byte{0x0b}
	Drop        = []byte{0x1a}
	I64Eqz      = []byte{0x50}
	I32Add      = []byte{0x6a}
	I32And      = []byte{0x71}
	I64DivU     = []byte{0x80}
)

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint64(len(payload)))...)
	return append(out, payload...)
}

func vector(n int, item func(int) []byte) []byte {
	b := uleb(uint64(n))
	for i := 0; i < n; i++ {
		b = append(b, item(i)...)
	}
	return b
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func valueTypes(ts []api.ValueType) []byte {
	b := uleb(uint64(len(ts)))
	for _, t := range ts {
		b = append(b, byte(t))
	}
	return b
}

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func sleb(v int64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
