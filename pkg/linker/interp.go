package linker

import "debug/elf"

const interpPath = "/lib64/ld-linux-x86-64.so.2"

type InterpSection struct {
	Chunk
}

func NewInterpSection() *InterpSection {
	i := &InterpSection{Chunk: NewChunk()}
	i.Name = ".interp"
	i.Shdr.Flags = uint64(elf.SHF_ALLOC)
	i.Shdr.Type = uint32(elf.SHT_PROGBITS)
	i.Shdr.Size = uint64(len(interpPath)) + 1
	return i
}

func (i *InterpSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[i.Shdr.Offset:]
	copy(buf, interpPath)
	buf[len(interpPath)] = 0
}
