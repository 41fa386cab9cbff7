package linker

import (
	"debug/elf"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

type OutputPhdr struct {
	Chunk
	Phdrs []Phdr
}

func NewOutputPhdr() *OutputPhdr {
	o := &OutputPhdr{Chunk: NewChunk()}
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = 8
	return o
}

func ToPhdrFlags(chunk Chunker) uint32 {
	ret := uint32(elf.PF_R)
	if chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0 {
		ret |= uint32(elf.PF_W)
	}
	if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

func isTls(chunk Chunker) bool {
	return chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}

func isBss(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) && !isTls(chunk)
}

func isTbss(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) && isTls(chunk)
}

func isAlloc(chunk Chunker) bool {
	return chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0
}

// CreatePhdr builds the program header table: PT_PHDR, PT_INTERP when
// dynamic, one PT_LOAD per run of chunks sharing an R/W/X signature, and
// PT_TLS spanning the TLS chunks. It also settles ctx.TlsEnd, the anchor
// for TP-relative relocations.
func CreatePhdr(ctx *Context) []Phdr {
	vec := make([]Phdr, 0)

	define := func(typ uint32, flags uint32, minAlign uint64, chunk Chunker) {
		vec = append(vec, Phdr{})
		phdr := &vec[len(vec)-1]
		phdr.Type = typ
		phdr.Flags = flags
		phdr.Align = max(minAlign, chunk.GetShdr().AddrAlign)
		phdr.Offset = chunk.GetShdr().Offset
		if chunk.GetShdr().Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = chunk.GetShdr().Size
		}
		phdr.VAddr = chunk.GetShdr().Addr
		phdr.PAddr = chunk.GetShdr().Addr
		phdr.MemSize = chunk.GetShdr().Size
	}

	push := func(chunk Chunker) {
		phdr := &vec[len(vec)-1]
		phdr.Align = max(phdr.Align, chunk.GetShdr().AddrAlign)
		if chunk.GetShdr().Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = chunk.GetShdr().Addr + chunk.GetShdr().Size - phdr.VAddr
		}
		phdr.MemSize = chunk.GetShdr().Addr + chunk.GetShdr().Size - phdr.VAddr
	}

	define(uint32(elf.PT_PHDR), uint32(elf.PF_R), 8, ctx.Phdr)

	if ctx.Interp != nil {
		define(uint32(elf.PT_INTERP), uint32(elf.PF_R), 1, ctx.Interp)
	}

	chunks := make([]Chunker, 0, len(ctx.Chunks))
	for _, chunk := range ctx.Chunks {
		if !isTbss(chunk) {
			chunks = append(chunks, chunk)
		}
	}

	end := len(chunks)
	for i := 0; i < end; {
		first := chunks[i]
		i++

		if !isAlloc(first) {
			break
		}

		flags := ToPhdrFlags(first)
		define(uint32(elf.PT_LOAD), flags, PageSize, first)

		if !isBss(first) {
			for i < end && isAlloc(chunks[i]) && !isBss(chunks[i]) &&
				ToPhdrFlags(chunks[i]) == flags && !chunks[i].NewPtLoad() {
				push(chunks[i])
				i++
			}
		}

		for i < end && isBss(chunks[i]) && ToPhdrFlags(chunks[i]) == flags {
			push(chunks[i])
			i++
		}
	}

	for i := 0; i < len(ctx.Chunks); i++ {
		if !isTls(ctx.Chunks[i]) {
			continue
		}

		define(uint32(elf.PT_TLS), ToPhdrFlags(ctx.Chunks[i]), 1, ctx.Chunks[i])
		i++

		for i < len(ctx.Chunks) && isTls(ctx.Chunks[i]) {
			push(ctx.Chunks[i])
			i++
		}

		phdr := &vec[len(vec)-1]
		ctx.TlsEnd = utils.AlignTo(phdr.VAddr+phdr.MemSize, phdr.Align)
		break
	}

	return vec
}

func (o *OutputPhdr) UpdateShdr(ctx *Context) {
	o.Phdrs = CreatePhdr(ctx)
	o.Shdr.Size = uint64(len(o.Phdrs)) * uint64(PhdrSize)
}

func (o *OutputPhdr) CopyBuf(ctx *Context) {
	base := ctx.Buf[o.Shdr.Offset:]
	for i, phdr := range o.Phdrs {
		utils.Write[Phdr](base[i*PhdrSize:], phdr)
	}
}
