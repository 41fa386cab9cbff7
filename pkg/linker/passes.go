package linker

import (
	"debug/elf"
	"math"
	"sort"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// ReadInputFiles decodes every command-line object and archive. Files
// enter the link in command-line order; the priority counter gives
// archive members higher values so resolution ties break toward the
// command line.
func ReadInputFiles(ctx *Context, remaining []string) {
	for _, arg := range remaining {
		var ok bool
		if arg, ok = utils.RemovePrefix(arg, "-l"); ok {
			ReadFile(ctx, FindLibrary(ctx, arg))
		} else {
			ReadFile(ctx, MustNewFile(arg))
		}
	}

	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.Parse(ctx)
	})
}

func ReadFile(ctx *Context, file *File) {
	switch GetFileType(file.Contents) {
	case FileTypeObject:
		ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, file, false))
	case FileTypeArchive:
		for _, child := range ReadArchiveMembers(file) {
			utils.Assert(GetFileType(child.Contents) == FileTypeObject)
			ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, child, true))
		}
	default:
		utils.Fatal("while reading " + file.Name + ": unknown file type")
	}
}

func CreateObjectFile(ctx *Context, file *File, inArchive bool) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(file, inArchive)
	obj.Priority = ctx.FilePriority
	if inArchive {
		obj.Priority += 1 << 16
	}
	ctx.FilePriority++
	return obj
}

// CreateInternalFile makes the linker-owned object that hosts synthetic
// symbols like __ehdr_start and _end.
func CreateInternalFile(ctx *Context) {
	obj := &ObjectFile{}
	obj.File = &File{Name: "<internal>"}
	obj.FirstGlobal = 1
	obj.IsAlive.Store(true)
	obj.Priority = 1

	ctx.InternalEsyms = make([]Sym, 1)
	obj.Symbols = append(obj.Symbols, NewSymbol(""))
	obj.ElfSyms = ctx.InternalEsyms

	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)
}

func AddSyntheticSymbols(ctx *Context) {
	obj := ctx.InternalObj

	add := func(name string) *Symbol {
		esym := Sym{
			Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_NOTYPE),
			Other: uint8(elf.STV_HIDDEN),
			Shndx: uint16(elf.SHN_ABS),
		}
		ctx.InternalEsyms = append(ctx.InternalEsyms, esym)
		sym := GetSymbolByName(ctx, name)
		obj.Symbols = append(obj.Symbols, sym)
		return sym
	}

	ctx.__EhdrStart = add("__ehdr_start")
	ctx.__BssStart = add("__bss_start")
	ctx.__End = add("_end")
	ctx.__End_ = add("end")
	ctx.__Etext = add("_etext")
	ctx.__Etext_ = add("etext")
	ctx.__Edata = add("_edata")
	ctx.__Edata_ = add("edata")
	ctx.__InitArrayStart = add("__init_array_start")
	ctx.__InitArrayEnd = add("__init_array_end")
	ctx.__FiniArrayStart = add("__fini_array_start")
	ctx.__FiniArrayEnd = add("__fini_array_end")
	ctx.__PreinitArrayStart = add("__preinit_array_start")
	ctx.__PreinitArrayEnd = add("__preinit_array_end")
	ctx.__RelaIpltStart = add("__rela_iplt_start")
	ctx.__RelaIpltEnd = add("__rela_iplt_end")

	obj.ElfSyms = ctx.InternalEsyms
	obj.ResolveSymbols(ctx)
}

// ResolveSymbols settles global ownership, drives the archive fixed
// point and drops files that were never extracted.
func ResolveSymbols(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.ResolveSymbols(ctx)
	})

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive.Load() {
			file.ClearSymbols()
		}
	}

	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		if file.IsAlive.Load() {
			file.ResolveSymbols(ctx)
		}
	})

	ctx.Objs = utils.RemoveIf(ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive.Load()
	})
}

// MarkLiveObjects runs the archive-liveness worklist to a fixed point:
// an undefined reference from a live file extracts the member owning the
// definition, whose own references feed the queue.
func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive.Load() {
			roots = append(roots, file)
		}
	}

	utils.Assert(len(roots) > 0)

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]

		file.MarkLiveObjects(ctx, func(o *ObjectFile) {
			roots = append(roots, o)
		})
	}
}

func EliminateDuplicateComdatGroups(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.ClaimComdatGroups()
	})
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.RemoveLosingComdatMembers()
	})
}

func ConvertCommonSymbols(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.ConvertCommonSymbols(ctx)
	})
}

func RegisterSectionPieces(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.RegisterSectionPieces(ctx)
	})
}

func ComputeMergedSectionSizes(ctx *Context) {
	forEach(ctx, ctx.MergedSections, func(osec *MergedSection) {
		osec.AssignOffsets()
	})
}

func ClaimUnresolvedSymbols(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.ClaimUnresolvedSymbols(ctx)
	})
}

// CheckDuplicateSymbols reports two strong definitions of one global in
// live sections. It runs after COMDAT elimination so deduplicated
// copies do not produce phantom errors.
func CheckDuplicateSymbols(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		for i := file.FirstGlobal; i < len(file.ElfSyms); i++ {
			esym := &file.ElfSyms[i]
			if esym.IsUndef() || esym.IsCommon() || esym.IsWeak() {
				continue
			}

			sym := file.Symbols[i]
			if sym.File == file || sym.File == nil || sym.File == ctx.InternalObj {
				continue
			}
			if sym.IsWeak || sym.ElfSym().IsCommon() {
				continue
			}

			if !esym.IsAbs() {
				isec := file.GetSection(esym, i)
				if isec == nil || !isec.IsAlive {
					continue
				}
			}

			utils.Fatal("duplicate symbol: " + file.File.Name + ": " +
				sym.File.File.Name + ": " + sym.Name)
		}
	})
}

func CheckUndefinedSymbols(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		for i := file.FirstGlobal; i < len(file.ElfSyms); i++ {
			esym := &file.ElfSyms[i]
			if !esym.IsUndef() || esym.IsWeak() {
				continue
			}

			sym := file.Symbols[i]
			if sym.File == nil {
				utils.Fatal("undefined symbol: " + file.File.Name + ": " + sym.Name)
			}
		}
	})
}

func CreateSyntheticSections(ctx *Context) {
	push := func(chunk Chunker) Chunker {
		ctx.Chunks = append(ctx.Chunks, chunk)
		return chunk
	}

	ctx.Ehdr = push(NewOutputEhdr()).(*OutputEhdr)
	ctx.Phdr = push(NewOutputPhdr()).(*OutputPhdr)
	ctx.Shdr = push(NewOutputShdr()).(*OutputShdr)
	if !ctx.Args.Static {
		ctx.Interp = push(NewInterpSection()).(*InterpSection)
	}
	ctx.Got = push(NewGotSection()).(*GotSection)
	ctx.GotPlt = push(NewGotPltSection()).(*GotPltSection)
	ctx.Plt = push(NewPltSection()).(*PltSection)
	ctx.RelPlt = push(NewRelPltSection()).(*RelPltSection)
	ctx.Shstrtab = push(NewShstrtabSection()).(*ShstrtabSection)
	ctx.Symtab = push(NewSymtabSection()).(*SymtabSection)
	ctx.Strtab = push(NewStrtabSection()).(*StrtabSection)
}

// ScanRelocations classifies every relocation in parallel, then hands
// out GOT/PLT table ranges per file by prefix sum and slot offsets per
// symbol in deterministic file order.
func ScanRelocations(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.ScanRelocations(ctx)
	})

	numGot, numPlt, numGotPlt, numRelPlt := uint32(0), uint32(0), uint32(0), uint32(0)
	for _, file := range ctx.Objs {
		file.GotBase = numGot
		file.PltBase = numPlt
		file.GotPltBase = numGotPlt
		file.RelPltBase = numRelPlt
		numGot += file.NumGot.Load()
		numPlt += file.NumPlt.Load()
		numGotPlt += file.NumGotPlt.Load()
		numRelPlt += file.NumRelPlt.Load()
	}

	ctx.Got.Shdr.Size = uint64(numGot) * 8
	if numPlt > 0 {
		ctx.Plt.Shdr.Size = uint64(numPlt) * PltEntrySize
		ctx.GotPlt.Shdr.Size = GotPltHdrSize + uint64(numGotPlt)*8
		ctx.RelPlt.Shdr.Size = uint64(numRelPlt) * uint64(RelaSize)
	}

	for _, file := range ctx.Objs {
		got := file.GotBase
		plt := file.PltBase
		gotplt := file.GotPltBase
		relplt := file.RelPltBase

		for _, sym := range file.Symbols {
			if sym.File != file {
				continue
			}
			flags := sym.Flags.Load()
			if flags == 0 {
				continue
			}

			if flags&NeedsGot != 0 {
				sym.GotOffset = int32(got) * 8
				got++
				ctx.Got.GotSyms = append(ctx.Got.GotSyms, sym)
			}
			if flags&NeedsGotTp != 0 {
				sym.GotTpOffset = int32(got) * 8
				got++
				ctx.Got.GotTpSyms = append(ctx.Got.GotTpSyms, sym)
			}
			if flags&NeedsPlt != 0 {
				sym.PltOffset = int32(plt) * PltEntrySize
				plt++
				sym.GotPltOffset = GotPltHdrSize + int32(gotplt)*8
				gotplt++
				sym.RelPltOffset = int32(relplt) * int32(RelaSize)
				relplt++
				ctx.Plt.Syms = append(ctx.Plt.Syms, sym)
				ctx.GotPlt.Syms = append(ctx.GotPlt.Syms, sym)
				ctx.RelPlt.Syms = append(ctx.RelPlt.Syms, sym)
			}

			sym.Flags.Store(0)
		}
	}
}

// CopyChunks writes every chunk into the output buffer. Offsets are
// already assigned, so the writers never overlap.
func CopyChunks(ctx *Context) {
	forEach(ctx, ctx.Chunks, func(chunk Chunker) {
		chunk.CopyBuf(ctx)
	})
}

func BinSections(ctx *Context) {
	group := make([][]*InputSection, len(ctx.OutputSections))
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive {
				continue
			}

			idx := isec.OutputSection.Idx
			group[idx] = append(group[idx], isec)
		}
	}

	for idx, osec := range ctx.OutputSections {
		osec.Members = group[idx]
	}
}

func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 {
			osecs = append(osecs, osec)
		}
	}

	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 {
			osecs = append(osecs, osec)
		}
	}

	// Section registration order depends on parse scheduling; sorting
	// here keeps the layout independent of thread count.
	sort.SliceStable(osecs, func(i, j int) bool {
		x, y := osecs[i].GetShdr(), osecs[j].GetShdr()
		if osecs[i].GetName() != osecs[j].GetName() {
			return osecs[i].GetName() < osecs[j].GetName()
		}
		if x.Flags != y.Flags {
			return x.Flags < y.Flags
		}
		return x.Type < y.Type
	})

	return osecs
}

func ComputeSectionSizes(ctx *Context) {
	forEach(ctx, ctx.OutputSections, func(osec *OutputSection) {
		offset := uint64(0)
		p2align := uint8(0)

		for _, isec := range osec.Members {
			offset = utils.AlignTo(offset, 1<<isec.P2Align)
			isec.Offset = uint32(offset)
			offset += uint64(isec.ShSize)
			if p2align < isec.P2Align {
				p2align = isec.P2Align
			}
		}

		osec.Shdr.Size = offset
		osec.Shdr.AddrAlign = 1 << p2align
	})
}

// RemoveEmptyChunks drops synthetic sections nothing asked for, such as
// .got in a link with no GOT-forming relocations. The .symtab is kept:
// it is only sized later, by ComputeSymtabSizes.
func RemoveEmptyChunks(ctx *Context) {
	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(chunk Chunker) bool {
		if chunk == Chunker(ctx.Ehdr) || chunk == Chunker(ctx.Phdr) ||
			chunk == Chunker(ctx.Shdr) || chunk == Chunker(ctx.Symtab) {
			return false
		}
		return chunk.GetShdr().Size == 0
	})
}

// SortOutputSections orders chunks into the canonical layout: headers,
// then read-only, executable, writable and BSS sections, with non-alloc
// metadata at the end and the section header table last.
func SortOutputSections(ctx *Context) {
	rank := func(chunk Chunker) int32 {
		typ := chunk.GetShdr().Type
		flags := chunk.GetShdr().Flags

		if chunk == Chunker(ctx.Shdr) {
			return math.MaxInt32
		}
		if flags&uint64(elf.SHF_ALLOC) == 0 {
			return math.MaxInt32 - 1
		}
		if chunk == Chunker(ctx.Ehdr) {
			return 0
		}
		if chunk == Chunker(ctx.Phdr) {
			return 1
		}
		if ctx.Interp != nil && chunk == Chunker(ctx.Interp) {
			return 2
		}
		if typ == uint32(elf.SHT_NOTE) {
			return 3
		}

		b2i := func(b bool) int32 {
			if b {
				return 1
			}
			return 0
		}

		writeable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
		exec := b2i(flags&uint64(elf.SHF_EXECINSTR) != 0)
		notTls := b2i(flags&uint64(elf.SHF_TLS) == 0)
		isBss := b2i(typ == uint32(elf.SHT_NOBITS))

		return 1<<10 | writeable<<9 | exec<<8 | notTls<<7 | isBss<<6
	}

	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		return rank(ctx.Chunks[i]) < rank(ctx.Chunks[j])
	})
}

// FinalizeChunks assigns section indices, registers every section name
// in .shstrtab and links .symtab to .strtab.
func FinalizeChunks(ctx *Context) {
	shndx := int64(1)
	for _, chunk := range ctx.Chunks {
		if chunk == Chunker(ctx.Ehdr) || chunk == Chunker(ctx.Phdr) ||
			chunk == Chunker(ctx.Shdr) {
			continue
		}
		chunk.SetShndx(shndx)
		shndx++
	}

	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > 0 {
			chunk.GetShdr().Name = ctx.Shstrtab.AddString(chunk.GetName())
		}
	}

	ctx.Symtab.Shdr.Link = uint32(ctx.Strtab.Shndx)
}

// ComputeSymtabSizes sizes every file's .symtab/.strtab contribution and
// prefix-sums the per-file offsets: all locals first, then all globals.
func ComputeSymtabSizes(ctx *Context) {
	forEach(ctx, ctx.Objs, func(file *ObjectFile) {
		file.ComputeSymtab(ctx)
	})

	symtabOff := uint64(SymSize) // the null row
	strtabOff := uint64(1)

	for _, file := range ctx.Objs {
		file.LocalSymtabOff = symtabOff
		file.LocalStrtabOff = strtabOff
		symtabOff += file.NumLocals * uint64(SymSize)
		strtabOff += file.LocalStrtabSize
	}

	ctx.Symtab.Shdr.Info = uint32(symtabOff / uint64(SymSize))

	for _, file := range ctx.Objs {
		file.GlobalSymtabOff = symtabOff
		file.GlobalStrtabOff = strtabOff
		symtabOff += file.NumGlobals * uint64(SymSize)
		strtabOff += file.GlobalStrtabSize
	}

	ctx.Symtab.Shdr.Size = symtabOff
	ctx.Strtab.Shdr.Size = strtabOff
}

func markPtLoadBoundaries(ctx *Context) {
	var prev Chunker
	for _, chunk := range ctx.Chunks {
		if !isAlloc(chunk) {
			continue
		}
		chunk.SetNewPtLoad(prev != nil && ToPhdrFlags(prev) != ToPhdrFlags(chunk))
		prev = chunk
	}
}

func doSetOutputSectionOffsets(ctx *Context) uint64 {
	addr := ctx.Args.ImageBase
	fileoff := uint64(0)

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if !isAlloc(chunk) {
			continue
		}

		// A permission change starts a fresh PT_LOAD; both cursors move
		// to a page boundary so the segment stays congruent.
		if chunk.NewPtLoad() {
			addr = utils.AlignTo(addr, PageSize)
			fileoff = utils.AlignTo(fileoff, PageSize)
		}

		addr = utils.AlignTo(addr, shdr.AddrAlign)
		shdr.Addr = addr

		if shdr.Type == uint32(elf.SHT_NOBITS) {
			shdr.Offset = fileoff
		} else {
			fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
			shdr.Offset = fileoff
			fileoff += shdr.Size
		}

		// .tbss overlays the address space of what follows; it only
		// exists per-thread.
		if !isTbss(chunk) {
			addr += shdr.Size
		}
	}

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if isAlloc(chunk) {
			continue
		}

		fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
		shdr.Offset = fileoff
		fileoff += shdr.Size
	}

	return fileoff
}

// SetOutputSectionOffsets assigns addresses and file offsets, iterating
// with the program header table until its size stops changing.
func SetOutputSectionOffsets(ctx *Context) uint64 {
	markPtLoadBoundaries(ctx)

	for {
		fileoff := doSetOutputSectionOffsets(ctx)

		size := ctx.Phdr.Shdr.Size
		ctx.Phdr.UpdateShdr(ctx)
		if size == ctx.Phdr.Shdr.Size {
			return fileoff
		}
	}
}

// FixSyntheticSymbols pins the linker-provided symbols to their final
// addresses once the layout is known.
func FixSyntheticSymbols(ctx *Context) {
	start := func(sym *Symbol, chunk Chunker) {
		if sym != nil && chunk != nil {
			sym.SetOutputSection(chunk)
			sym.Value = chunk.GetShdr().Addr
		}
	}

	stop := func(sym *Symbol, chunk Chunker) {
		if sym != nil && chunk != nil {
			sym.SetOutputSection(chunk)
			sym.Value = chunk.GetShdr().Addr + chunk.GetShdr().Size
		}
	}

	start(ctx.__EhdrStart, ctx.Ehdr)

	var lastAlloc, lastData, lastText Chunker
	for _, chunk := range ctx.Chunks {
		if !isAlloc(chunk) {
			continue
		}
		lastAlloc = chunk
		if chunk.GetShdr().Type != uint32(elf.SHT_NOBITS) {
			lastData = chunk
		}
		if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
			lastText = chunk
		}

		switch chunk.GetShdr().Type {
		case uint32(elf.SHT_INIT_ARRAY):
			start(ctx.__InitArrayStart, chunk)
			stop(ctx.__InitArrayEnd, chunk)
		case uint32(elf.SHT_PREINIT_ARRAY):
			start(ctx.__PreinitArrayStart, chunk)
			stop(ctx.__PreinitArrayEnd, chunk)
		case uint32(elf.SHT_FINI_ARRAY):
			start(ctx.__FiniArrayStart, chunk)
			stop(ctx.__FiniArrayEnd, chunk)
		}

		if chunk.GetName() == ".bss" && ctx.__BssStart.OutputSection == nil {
			start(ctx.__BssStart, chunk)
		}
	}

	stop(ctx.__End, lastAlloc)
	stop(ctx.__End_, lastAlloc)
	stop(ctx.__Etext, lastText)
	stop(ctx.__Etext_, lastText)
	stop(ctx.__Edata, lastData)
	stop(ctx.__Edata_, lastData)

	if ctx.RelPlt.Shdr.Size > 0 {
		start(ctx.__RelaIpltStart, ctx.RelPlt)
		stop(ctx.__RelaIpltEnd, ctx.RelPlt)
	}
}
