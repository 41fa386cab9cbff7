package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// atomicOrUint32 performs an atomic bitwise OR on v and returns the old
// value, matching the semantics of atomic.Uint32.Or.
func atomicOrUint32(v *atomic.Uint32, mask uint32) uint32 {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|mask) {
			return old
		}
	}
}

// InputSection is the linker-side view of one ELF section of one file.
type InputSection struct {
	File     *ObjectFile
	Contents []byte
	Shndx    uint32
	ShSize   uint32
	IsAlive  bool
	P2Align  uint8

	Offset        uint32
	OutputSection *OutputSection

	RelsecIdx uint32
	Rels      []Rela
}

func NewInputSection(ctx *Context, name string, file *ObjectFile, shndx uint32) *InputSection {
	s := &InputSection{
		File:      file,
		Shndx:     shndx,
		IsAlive:   true,
		Offset:    math.MaxUint32,
		RelsecIdx: math.MaxUint32,
	}

	shdr := s.Shdr()
	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		utils.Fatal("while reading " + file.File.Name + ": compressed sections are not supported")
	}

	if shdr.Type != uint32(elf.SHT_NOBITS) {
		s.Contents = file.File.Contents[shdr.Offset : shdr.Offset+shdr.Size]
	}
	s.ShSize = uint32(shdr.Size)

	toP2Align := func(align uint64) uint8 {
		if align == 0 {
			return 0
		}
		return uint8(bits.TrailingZeros64(align))
	}
	s.P2Align = toP2Align(shdr.AddrAlign)

	s.OutputSection = GetOutputSection(ctx, name, uint64(shdr.Type), shdr.Flags)

	return s
}

func (i *InputSection) Shdr() *Shdr {
	utils.Assert(i.Shndx < uint32(len(i.File.ElfSections)))
	return &i.File.ElfSections[i.Shndx]
}

func (i *InputSection) Name() string {
	return ElfGetName(i.File.ShStrtab, i.Shdr().Name)
}

func (i *InputSection) GetRels() []Rela {
	if i.RelsecIdx == math.MaxUint32 || i.Rels != nil {
		return i.Rels
	}

	bs := i.File.GetBytesFromShdr(&i.File.ElfSections[i.RelsecIdx])
	i.Rels = utils.ReadSlice[Rela](bs, RelaSize)
	return i.Rels
}

func (i *InputSection) GetAddr() uint64 {
	return i.OutputSection.Shdr.Addr + uint64(i.Offset)
}

func (i *InputSection) WriteTo(ctx *Context, buf []byte) {
	if i.Shdr().Type == uint32(elf.SHT_NOBITS) || i.ShSize == 0 {
		return
	}

	copy(buf, i.Contents)

	if i.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
		i.ApplyRelocAlloc(ctx, buf)
	}
}

// needsPlt reports whether a PLT32 branch against sym goes through the
// PLT: only in a dynamic link, and only for symbols pulled out of
// archives, which bind lazily. Everything else degrades to a direct
// PC-relative branch.
func needsPlt(ctx *Context, sym *Symbol) bool {
	if ctx.Args.Static {
		return false
	}
	return sym.File != nil && sym.File.InArchive
}

// ScanRelocations classifies each relocation and accumulates, per file,
// how many GOT/PLT slots it will consume. The needs mask is OR'd
// atomically so files can scan in parallel; the counters are bumped only
// by whichever scan sets a bit first.
func (i *InputSection) ScanRelocations(ctx *Context) {
	for _, rel := range i.GetRels() {
		sym := i.File.Symbols[rel.Sym]
		if sym.File == nil {
			continue
		}
		if sym.IsUndefWeak {
			// Resolves to zero at write time; no slot.
			continue
		}

		switch elf.R_X86_64(rel.Type) {
		case elf.R_X86_64_PLT32:
			if needsPlt(ctx, sym) {
				if atomicOrUint32(&sym.Flags, NeedsPlt)&NeedsPlt == 0 {
					sym.File.NumPlt.Add(1)
					sym.File.NumGotPlt.Add(1)
					sym.File.NumRelPlt.Add(1)
				}
			}
		case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			if atomicOrUint32(&sym.Flags, NeedsGot)&NeedsGot == 0 {
				sym.File.NumGot.Add(1)
			}
		case elf.R_X86_64_GOTTPOFF:
			if atomicOrUint32(&sym.Flags, NeedsGotTp)&NeedsGotTp == 0 {
				sym.File.NumGot.Add(1)
			}
		case elf.R_X86_64_NONE, elf.R_X86_64_8, elf.R_X86_64_16,
			elf.R_X86_64_32, elf.R_X86_64_32S, elf.R_X86_64_64,
			elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32,
			elf.R_X86_64_PC64, elf.R_X86_64_TPOFF32:
			// Direct reference; no slot.
		default:
			utils.Fatal(fmt.Sprintf("%s: unsupported relocation type %d",
				i.File.File.Name, rel.Type))
		}
	}
}

// ApplyRelocAlloc patches this section's bytes in the output buffer.
// S, A and P follow the psABI naming.
func (i *InputSection) ApplyRelocAlloc(ctx *Context, base []byte) {
	for _, rel := range i.GetRels() {
		if rel.Type == uint32(elf.R_X86_64_NONE) {
			continue
		}

		sym := i.File.Symbols[rel.Sym]
		if sym.File == nil {
			continue
		}

		loc := base[rel.Offset:]
		S := sym.GetAddr(ctx)
		A := uint64(rel.Addend)
		P := i.GetAddr() + rel.Offset

		switch elf.R_X86_64(rel.Type) {
		case elf.R_X86_64_8:
			loc[0] = uint8(S + A)
		case elf.R_X86_64_16:
			utils.Write[uint16](loc, uint16(S+A))
		case elf.R_X86_64_32, elf.R_X86_64_32S:
			utils.Write[uint32](loc, uint32(S+A))
		case elf.R_X86_64_64:
			utils.Write[uint64](loc, S+A)
		case elf.R_X86_64_PC8:
			loc[0] = uint8(S + A - P)
		case elf.R_X86_64_PC16:
			utils.Write[uint16](loc, uint16(S+A-P))
		case elf.R_X86_64_PC32:
			utils.Write[uint32](loc, uint32(S+A-P))
		case elf.R_X86_64_PC64:
			utils.Write[uint64](loc, S+A-P)
		case elf.R_X86_64_PLT32:
			if sym.HasPlt() {
				utils.Write[uint32](loc, uint32(sym.GetPltAddr(ctx)+A-P))
			} else {
				utils.Write[uint32](loc, uint32(S+A-P))
			}
		case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			utils.Write[uint32](loc, uint32(sym.GetGotAddr(ctx)+A-P))
		case elf.R_X86_64_GOTTPOFF:
			utils.Write[uint32](loc, uint32(sym.GetGotTpAddr(ctx)+A-P))
		case elf.R_X86_64_TPOFF32:
			utils.Write[uint32](loc, uint32(S+A-ctx.TlsEnd))
		default:
			utils.Fatal(fmt.Sprintf("%s: unsupported relocation type %d",
				i.File.File.Name, rel.Type))
		}
	}
}
