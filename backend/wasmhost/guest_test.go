package wasmhost

import (
	"encoding/binary"
)

// guestOpts shapes the test guest assembled by buildGuest.
//
// The guest behaves like a small echo service:
//   - initialize bumps the exported init_count global and arms a 100ms timer
//   - connect(id) sends "welcome" to Client(id)
//   - disconnect(id) does nothing, or traps when trapOnDisconnect is set
//   - message(id, ptr, len) broadcasts the text back
//   - binary(id, ptr, len) sends the bytes to EveryoneExcept(id) using binaryTag
//   - timer() broadcasts "tick"
//   - malloc is a bump allocator, free bumps the exported free_count global
type guestOpts struct {
	version          uint32
	protocol         uint32
	omitMemory       bool
	omitProtocol     bool
	omitTimerExport  bool
	trapOnDisconnect bool
	binaryTag        uint32
	// extraImport adds an import the host does not provide.
	extraImport string
}

func defaultGuest() guestOpts {
	return guestOpts{
		version:   APIVersion,
		protocol:  APIProtocol,
		binaryTag: 0b01 << 30,
	}
}

const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI32Add      = 0x6a
	opI32Or       = 0x72

	valI32 = 0x7f

	exportKindFunc   = 0x00
	exportKindMemory = 0x02
	exportKindGlobal = 0x03

	// data layout
	addrVersion  = 16
	addrProtocol = 20
	addrTick     = 32
	addrWelcome  = 40
	heapStart    = 1024
)

// function indices: imports first
const (
	fnSendMessage = iota
	fnSendBinary
	fnSetTimer
	fnInitialize
	fnConnect
	fnDisconnect
	fnMessage
	fnBinary
	fnTimer
	fnMalloc
	fnFree
)

// global indices
const (
	glVersion = iota
	glProtocol
	glHeap
	glInitCount
	glFreeCount
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func i32Const(v uint32) []byte {
	return append([]byte{opI32Const}, sleb(int64(int32(v)))...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func funcType(params, results int) []byte {
	p := make([]byte, params)
	r := make([]byte, results)
	for i := range p {
		p[i] = valI32
	}
	for i := range r {
		r[i] = valI32
	}
	return cat([]byte{0x60}, uleb(uint64(params)), p, uleb(uint64(results)), r)
}

func funcBody(code ...[]byte) []byte {
	body := cat([]byte{0x00}, cat(code...), []byte{opEnd}) // no locals
	return cat(uleb(uint64(len(body))), body)
}

func global(mutable bool, init uint32) []byte {
	mut := byte(0)
	if mutable {
		mut = 1
	}
	return cat([]byte{valI32, mut}, i32Const(init), []byte{opEnd})
}

func export(n string, kind byte, idx int) []byte {
	return cat(name(n), []byte{kind}, uleb(uint64(idx)))
}

func data(offset uint32, b []byte) []byte {
	return cat([]byte{0x00}, i32Const(offset), []byte{opEnd}, uleb(uint64(len(b))), b)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func buildGuest(o guestOpts) []byte {
	const (
		tyPtrLen  = iota // (i32 i32 i32) -> ()
		tyOne            // (i32) -> ()
		tyNone           // () -> ()
		tyMalloc         // (i32) -> i32
		tyFree           // (i32 i32) -> ()
	)
	types := vec(
		funcType(3, 0),
		funcType(1, 0),
		funcType(0, 0),
		funcType(1, 1),
		funcType(2, 0),
	)

	imports := [][]byte{
		cat(name(importModule), name(importSendMessage), []byte{0x00}, uleb(tyPtrLen)),
		cat(name(importModule), name(importSendBinary), []byte{0x00}, uleb(tyPtrLen)),
		cat(name(importModule), name(importSetTimer), []byte{0x00}, uleb(tyOne)),
	}
	if o.extraImport != "" {
		imports = append(imports, cat(name(importModule), name(o.extraImport), []byte{0x00}, uleb(tyNone)))
	}

	funcs := vec(
		uleb(tyNone),   // initialize
		uleb(tyOne),    // connect
		uleb(tyOne),    // disconnect
		uleb(tyPtrLen), // message
		uleb(tyPtrLen), // binary
		uleb(tyNone),   // timer
		uleb(tyMalloc), // malloc
		uleb(tyFree),   // free
	)

	imported := len(imports)
	shift := func(fn int) int {
		if fn < fnInitialize {
			return fn
		}
		return fn - fnInitialize + imported
	}
	call := func(fn int) []byte { return cat([]byte{opCall}, uleb(uint64(shift(fn)))) }
	local := func(i int) []byte { return []byte{opLocalGet, byte(i)} }
	gget := func(i int) []byte { return []byte{opGlobalGet, byte(i)} }
	gset := func(i int) []byte { return []byte{opGlobalSet, byte(i)} }

	disconnect := [][]byte{}
	if o.trapOnDisconnect {
		disconnect = append(disconnect, []byte{opUnreachable})
	}

	code := vec(
		// initialize
		funcBody(gget(glInitCount), i32Const(1), []byte{opI32Add}, gset(glInitCount),
			i32Const(100), call(fnSetTimer)),
		// connect
		funcBody(local(0), i32Const(0b10<<30), []byte{opI32Or},
			i32Const(addrWelcome), i32Const(7), call(fnSendMessage)),
		// disconnect
		funcBody(disconnect...),
		// message
		funcBody(i32Const(0), local(1), local(2), call(fnSendMessage)),
		// binary
		funcBody(local(0), i32Const(o.binaryTag), []byte{opI32Or}, local(1), local(2), call(fnSendBinary)),
		// timer
		funcBody(i32Const(0), i32Const(addrTick), i32Const(4), call(fnSendMessage)),
		// malloc
		funcBody(gget(glHeap), gget(glHeap), local(0), []byte{opI32Add}, gset(glHeap)),
		// free
		funcBody(gget(glFreeCount), i32Const(1), []byte{opI32Add}, gset(glFreeCount)),
	)

	memory := vec([]byte{0x00, 0x01}) // min 1 page

	globals := vec(
		global(false, addrVersion),
		global(false, addrProtocol),
		global(true, heapStart),
		global(true, 0),
		global(true, 0),
	)

	exports := [][]byte{
		export(globalAPIVersion, exportKindGlobal, glVersion),
		export("init_count", exportKindGlobal, glInitCount),
		export("free_count", exportKindGlobal, glFreeCount),
		export(exportInitialize, exportKindFunc, shift(fnInitialize)),
		export(exportConnect, exportKindFunc, shift(fnConnect)),
		export(exportDisconnect, exportKindFunc, shift(fnDisconnect)),
		export(exportMessage, exportKindFunc, shift(fnMessage)),
		export(exportBinary, exportKindFunc, shift(fnBinary)),
		export(exportMalloc, exportKindFunc, shift(fnMalloc)),
		export(exportFree, exportKindFunc, shift(fnFree)),
	}
	if !o.omitProtocol {
		exports = append(exports, export(globalAPIProtocol, exportKindGlobal, glProtocol))
	}
	if !o.omitMemory {
		exports = append(exports, export(exportMemory, exportKindMemory, 0))
	}
	if !o.omitTimerExport {
		exports = append(exports, export(exportTimer, exportKindFunc, shift(fnTimer)))
	}

	datas := vec(
		data(addrVersion, cat(le32(o.version), le32(o.protocol))),
		data(addrTick, []byte("tick")),
		data(addrWelcome, []byte("welcome")),
	)

	return cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, vec(imports...)),
		section(3, funcs),
		section(5, memory),
		section(6, globals),
		section(7, vec(exports...)),
		section(10, code),
		section(11, datas),
	)
}
