package linker

import (
	"debug/elf"
	"fmt"
	"sync/atomic"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// InputFile is the decoded ELF view shared by every object file: the
// section header table, the symbol table and both string tables.
type InputFile struct {
	File         *File
	ElfSections  []Shdr
	ElfSyms      []Sym
	FirstGlobal  int
	ShStrtab     []byte
	SymbolStrtab []byte

	IsAlive atomic.Bool

	Symbols      []*Symbol
	LocalSymbols []Symbol
}

func NewInputFile(file *File) InputFile {
	f := InputFile{File: file}

	if len(file.Contents) < EhdrSize {
		utils.Fatal("while reading " + file.Name + ": file too small")
	}
	if !CheckMagic(file.Contents) {
		utils.Fatal("while reading " + file.Name + ": not an ELF file")
	}

	ehdr := utils.Read[Ehdr](file.Contents)
	if uint64(len(file.Contents)) < ehdr.ShOff {
		utils.Fatal("while reading " + file.Name + ": section table out of range")
	}

	contents := file.Contents[ehdr.ShOff:]
	shdr := utils.Read[Shdr](contents)

	// A section count of zero means the real count lives in the size
	// field of section header zero.
	numSections := int64(ehdr.ShNum)
	if numSections == 0 {
		numSections = int64(shdr.Size)
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		contents = contents[ShdrSize:]
		f.ElfSections = append(f.ElfSections, utils.Read[Shdr](contents))
		numSections--
	}

	shstrndx := int64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrndx = int64(shdr.Link)
	}
	f.ShStrtab = f.GetBytesFromIdx(shstrndx)
	return f
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) []byte {
	end := s.Offset + s.Size
	if uint64(len(f.File.Contents)) < end {
		utils.Fatal(fmt.Sprintf(
			"while reading %s: section header is out of range: %d", f.File.Name, s.Offset))
	}
	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(idx int64) []byte {
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) {
	bs := f.GetBytesFromShdr(s)
	f.ElfSyms = utils.ReadSlice[Sym](bs, SymSize)
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		shdr := &f.ElfSections[i]
		if shdr.Type == ty {
			return shdr
		}
	}
	return nil
}

func (f *InputFile) GetEhdr() Ehdr {
	return utils.Read[Ehdr](f.File.Contents)
}
