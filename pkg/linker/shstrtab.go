package linker

import "debug/elf"

type ShstrtabSection struct {
	Chunk
	contents []byte
}

func NewShstrtabSection() *ShstrtabSection {
	s := &ShstrtabSection{Chunk: NewChunk()}
	s.Name = ".shstrtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.contents = []byte{0}
	s.Shdr.Size = 1
	return s
}

func (s *ShstrtabSection) AddString(str string) uint32 {
	ret := uint32(len(s.contents))
	s.contents = append(s.contents, str...)
	s.contents = append(s.contents, 0)
	s.Shdr.Size = uint64(len(s.contents))
	return ret
}

func (s *ShstrtabSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.Shdr.Offset:], s.contents)
}
