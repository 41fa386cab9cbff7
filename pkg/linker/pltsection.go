package linker

import (
	"debug/elf"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

const PltEntrySize = 16

type PltSection struct {
	Chunk
	Syms []*Symbol
}

func NewPltSection() *PltSection {
	p := &PltSection{Chunk: NewChunk()}
	p.Name = ".plt"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = 16
	return p
}

// Each entry is `jmp *disp32(%rip)` through the symbol's .got.plt slot,
// padded with one-byte no-ops to 16 bytes.
func (p *PltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[p.Shdr.Offset : p.Shdr.Offset+p.Shdr.Size]

	for _, sym := range p.Syms {
		ent := buf[sym.PltOffset : sym.PltOffset+PltEntrySize]
		ent[0] = 0xff
		ent[1] = 0x25
		disp := uint32(sym.GetGotPltAddr(ctx) - (sym.GetPltAddr(ctx) + 6))
		utils.Write[uint32](ent[2:], disp)
		for i := 6; i < PltEntrySize; i++ {
			ent[i] = 0x90
		}
	}
}

type RelPltSection struct {
	Chunk
	Syms []*Symbol
}

func NewRelPltSection() *RelPltSection {
	r := &RelPltSection{Chunk: NewChunk()}
	r.Name = ".rela.plt"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	r.Shdr.EntSize = uint64(RelaSize)
	r.Shdr.AddrAlign = 8
	return r
}

func (r *RelPltSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[r.Shdr.Offset:]

	for _, sym := range r.Syms {
		rel := Rela{
			Offset: sym.GetGotPltAddr(ctx),
			Type:   uint32(elf.R_X86_64_JMP_SLOT),
		}
		utils.Write[Rela](base[sym.RelPltOffset:], rel)
	}
}
