package linker

import (
	"debug/elf"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// SymtabSection is materialized by the files themselves: each live file
// writes its local and global rows at offsets prefix-summed in
// ComputeSymtabSizes, so write-out needs no further coordination.
type SymtabSection struct {
	Chunk
}

func NewSymtabSection() *SymtabSection {
	s := &SymtabSection{Chunk: NewChunk()}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	s.Shdr.EntSize = uint64(SymSize)
	s.Shdr.AddrAlign = 8
	return s
}

func (s *SymtabSection) CopyBuf(ctx *Context) {
	// Row zero is the null symbol.
	utils.Write[Sym](ctx.Buf[s.Shdr.Offset:], Sym{})

	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.WriteLocalSymtab(ctx)
		file.WriteGlobalSymtab(ctx)
	})
}

type StrtabSection struct {
	Chunk
}

func NewStrtabSection() *StrtabSection {
	s := &StrtabSection{Chunk: NewChunk()}
	s.Name = ".strtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.Shdr.Size = 1
	return s
}
