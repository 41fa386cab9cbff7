package linker

import (
	"debug/elf"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// GotSection holds both plain GOT slots and TP-offset slots. Slot
// offsets are handed out per file; see ScanRelocations in passes.go.
type GotSection struct {
	Chunk
	GotSyms   []*Symbol
	GotTpSyms []*Symbol
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk()}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset : g.Shdr.Offset+g.Shdr.Size]
	for i := range buf {
		buf[i] = 0
	}

	for _, sym := range g.GotSyms {
		utils.Write[uint64](buf[sym.GotOffset:], sym.GetAddr(ctx))
	}

	// TP-relative slots hold the offset from the thread pointer, which
	// on x86-64 points at the end of the TLS block.
	for _, sym := range g.GotTpSyms {
		utils.Write[uint64](buf[sym.GotTpOffset:], sym.GetAddr(ctx)-ctx.TlsEnd)
	}
}

// GotPltSection is the lazy-binding part of the GOT. The first three
// slots are reserved for the dynamic linker.
type GotPltSection struct {
	Chunk
	Syms []*Symbol
}

const GotPltHdrSize = 3 * 8

func NewGotPltSection() *GotPltSection {
	g := &GotPltSection{Chunk: NewChunk()}
	g.Name = ".got.plt"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotPltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset : g.Shdr.Offset+g.Shdr.Size]
	for i := range buf {
		buf[i] = 0
	}

	// Slots are bound eagerly; the stub jump lands directly on the
	// target.
	for _, sym := range g.Syms {
		utils.Write[uint64](buf[sym.GotPltOffset:], sym.GetAddr(ctx))
	}
}
