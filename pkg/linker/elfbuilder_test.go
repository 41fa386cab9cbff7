package linker

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// Helpers that assemble minimal relocatable objects and archives in
// memory so tests can drive the pipeline without fixture files.

type tSec struct {
	name    string
	typ     uint32
	flags   uint64
	data    []byte
	size    uint64 // NOBITS only
	entsize uint64
	align   uint64
	link    uint32
	info    uint32
}

type tSym struct {
	name  string
	info  uint8
	shndx uint16
	val   uint64
	size  uint64
}

func stInfo(bind elf.SymBind, typ elf.SymType) uint8 {
	return uint8(bind)<<4 | uint8(typ)
}

func makeRelas(rels []Rela) []byte {
	buf := make([]byte, len(rels)*RelaSize)
	for i, r := range rels {
		utils.Write[Rela](buf[i*RelaSize:], r)
	}
	return buf
}

// makeObject lays out: ehdr, section bodies, symtab, strtab, shstrtab,
// then the section header table. User sections get indices 1..n.
func makeObject(secs []tSec, locals, globals []tSym) []byte {
	nUser := len(secs)
	symtabIdx := nUser + 1
	strtabIdx := nUser + 2
	shstrtabIdx := nUser + 3
	numSections := nUser + 4

	strtab := []byte{0}
	symOffsets := make([]uint32, 0, len(locals)+len(globals))
	addName := func(name string) uint32 {
		if name == "" {
			return 0
		}
		off := uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		return off
	}

	syms := make([]Sym, 1, 1+len(locals)+len(globals))
	for _, ts := range append(append([]tSym{}, locals...), globals...) {
		symOffsets = append(symOffsets, addName(ts.name))
		syms = append(syms, Sym{
			Name:  symOffsets[len(symOffsets)-1],
			Info:  ts.info,
			Shndx: ts.shndx,
			Val:   ts.val,
			Size:  ts.size,
		})
	}

	symtabData := make([]byte, len(syms)*SymSize)
	for i, s := range syms {
		utils.Write[Sym](symtabData[i*SymSize:], s)
	}

	shstrtab := []byte{0}
	shName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return off
	}

	shdrs := make([]Shdr, numSections)
	offset := uint64(EhdrSize)
	align := func(v, a uint64) uint64 {
		if a < 1 {
			a = 1
		}
		return (v + a - 1) &^ (a - 1)
	}

	var body bytes.Buffer
	place := func(data []byte, a uint64) uint64 {
		offset = align(uint64(EhdrSize)+uint64(body.Len()), a)
		for uint64(EhdrSize)+uint64(body.Len()) < offset {
			body.WriteByte(0)
		}
		body.Write(data)
		return offset
	}

	for i, ts := range secs {
		a := ts.align
		if a == 0 {
			a = 1
		}
		shdr := &shdrs[i+1]
		shdr.Name = shName(ts.name)
		shdr.Type = ts.typ
		shdr.Flags = ts.flags
		shdr.AddrAlign = a
		shdr.EntSize = ts.entsize
		shdr.Link = ts.link
		shdr.Info = ts.info

		if ts.typ == uint32(elf.SHT_NOBITS) {
			shdr.Size = ts.size
			shdr.Offset = uint64(EhdrSize) + uint64(body.Len())
		} else {
			shdr.Offset = place(ts.data, a)
			shdr.Size = uint64(len(ts.data))
		}
	}

	shdrs[symtabIdx] = Shdr{
		Name:      shName(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Offset:    place(symtabData, 8),
		Size:      uint64(len(symtabData)),
		Link:      uint32(strtabIdx),
		Info:      uint32(1 + len(locals)),
		AddrAlign: 8,
		EntSize:   uint64(SymSize),
	}
	shdrs[strtabIdx] = Shdr{
		Name:      shName(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Offset:    place(strtab, 1),
		Size:      uint64(len(strtab)),
		AddrAlign: 1,
	}
	shdrs[shstrtabIdx] = Shdr{
		Name:      shName(".shstrtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Offset:    place(shstrtab, 1),
		Size:      uint64(len(shstrtab)),
		AddrAlign: 1,
	}

	shOff := align(uint64(EhdrSize)+uint64(body.Len()), 8)
	for uint64(EhdrSize)+uint64(body.Len()) < shOff {
		body.WriteByte(0)
	}

	var ehdr Ehdr
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Type = uint16(elf.ET_REL)
	ehdr.Machine = uint16(elf.EM_X86_64)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.ShOff = shOff
	ehdr.EhSize = uint16(EhdrSize)
	ehdr.ShEntSize = uint16(ShdrSize)
	ehdr.ShNum = uint16(numSections)
	ehdr.ShStrndx = uint16(shstrtabIdx)

	out := make([]byte, EhdrSize)
	utils.Write[Ehdr](out, ehdr)
	out = append(out, body.Bytes()...)

	shdrBytes := make([]byte, numSections*ShdrSize)
	for i, s := range shdrs {
		utils.Write[Shdr](shdrBytes[i*ShdrSize:], s)
	}
	return append(out, shdrBytes...)
}

type tMember struct {
	name string
	data []byte
}

func makeArchive(members []tMember) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")

	for _, m := range members {
		if buf.Len()%2 == 1 {
			buf.WriteByte('\n')
		}
		hdr := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n",
			m.name+"/", "0", "0", "0", "644", len(m.data))
		buf.WriteString(hdr)
		buf.Write(m.data)
	}

	return buf.Bytes()
}

func textSection(code []byte) tSec {
	return tSec{
		name:  ".text",
		typ:   uint32(elf.SHT_PROGBITS),
		flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		data:  code,
		align: 16,
	}
}

func relaFor(targetIdx uint32, symtabIdx uint32, rels []Rela) tSec {
	return tSec{
		name:    ".rela.text",
		typ:     uint32(elf.SHT_RELA),
		data:    makeRelas(rels),
		entsize: uint64(RelaSize),
		align:   8,
		link:    symtabIdx,
		info:    targetIdx,
	}
}
