package linker

import (
	"bytes"
	"debug/elf"
	"math"
	"strings"
	"sync/atomic"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

type comdatGroupRef struct {
	Group      *ComdatGroup
	SectionIdx uint32
	Members    []uint32
}

type ObjectFile struct {
	InputFile
	SymtabSec         *Shdr
	SymtabShndxSec    []uint32
	Sections          []*InputSection
	MergeableSections []*MergeableSection
	ComdatGroups      []comdatGroupRef
	FragSyms          []Symbol

	InArchive bool
	Priority  uint32
	HasCommon bool

	NumGot    atomic.Uint32
	NumPlt    atomic.Uint32
	NumGotPlt atomic.Uint32
	NumRelPlt atomic.Uint32

	GotBase    uint32
	PltBase    uint32
	GotPltBase uint32
	RelPltBase uint32

	NumLocals        uint64
	NumGlobals       uint64
	LocalStrtabSize  uint64
	GlobalStrtabSize uint64

	LocalSymtabOff  uint64
	LocalStrtabOff  uint64
	GlobalSymtabOff uint64
	GlobalStrtabOff uint64
}

func NewObjectFile(file *File, inArchive bool) *ObjectFile {
	o := &ObjectFile{InputFile: NewInputFile(file)}
	o.InArchive = inArchive
	o.IsAlive.Store(!inArchive)
	return o
}

func (o *ObjectFile) Parse(ctx *Context) {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int(o.SymtabSec.Info)
		o.FillUpElfSyms(o.SymtabSec)
		o.SymbolStrtab = o.GetBytesFromIdx(int64(o.SymtabSec.Link))
	}

	o.initializeSections(ctx)
	o.initializeSymbols(ctx)
	o.initializeMergeableSections(ctx)
	o.skipEhframeSections()
}

func (o *ObjectFile) initializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		switch elf.SectionType(shdr.Type) {
		case elf.SHT_GROUP:
			o.readComdatGroup(ctx, shdr, uint32(i))
		case elf.SHT_SYMTAB_SHNDX:
			o.fillUpSymtabShndxSec(shdr)
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL:
			break
		default:
			name := ElfGetName(o.ShStrtab, shdr.Name)
			if name == ".note.GNU-stack" || strings.HasPrefix(name, ".gnu.warning.") {
				continue
			}
			o.Sections[i] = NewInputSection(ctx, name, o, uint32(i))
		}
	}

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) {
			continue
		}

		utils.Assert(shdr.Info < uint32(len(o.Sections)))
		if target := o.Sections[shdr.Info]; target != nil {
			utils.Assert(target.RelsecIdx == math.MaxUint32)
			target.RelsecIdx = uint32(i)
		}
	}
}

// readComdatGroup records one SHT_GROUP descriptor. The group's sh_info
// names the signature symbol; the payload is a flag word followed by the
// member section indices.
func (o *ObjectFile) readComdatGroup(ctx *Context, shdr *Shdr, shndx uint32) {
	words := utils.ReadSlice[uint32](o.GetBytesFromShdr(shdr), 4)
	if len(words) == 0 || words[0] != GRP_COMDAT {
		utils.Fatal("while reading " + o.File.Name + ": unsupported section group format")
	}

	if o.SymtabSec == nil || shdr.Info >= uint32(len(o.ElfSyms)) {
		utils.Fatal("while reading " + o.File.Name + ": invalid section group signature")
	}
	esym := &o.ElfSyms[shdr.Info]
	signature := ElfGetName(o.SymbolStrtab, esym.Name)

	o.ComdatGroups = append(o.ComdatGroups, comdatGroupRef{
		Group:      GetComdatGroup(ctx, signature),
		SectionIdx: shndx,
		Members:    words[1:],
	})
}

func (o *ObjectFile) fillUpSymtabShndxSec(s *Shdr) {
	bs := o.GetBytesFromShdr(s)
	o.SymtabShndxSec = utils.ReadSlice[uint32](bs, 4)
}

func (o *ObjectFile) initializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.LocalSymbols = make([]Symbol, o.FirstGlobal)
	for i := 0; i < len(o.LocalSymbols); i++ {
		o.LocalSymbols[i] = *NewSymbol("")
	}
	o.LocalSymbols[0].File = o
	o.LocalSymbols[0].SymIdx = 0

	for i := 1; i < len(o.LocalSymbols); i++ {
		esym := &o.ElfSyms[i]
		if esym.IsCommon() {
			utils.Fatal("while reading " + o.File.Name + ": common local symbol")
		}

		name := ElfGetName(o.SymbolStrtab, esym.Name)
		if name == "" && esym.Type() == uint8(elf.STT_SECTION) {
			if isec := o.GetSection(esym, i); isec != nil {
				name = isec.Name()
			}
		}

		sym := &o.LocalSymbols[i]
		sym.Name = name
		sym.File = o
		sym.Value = esym.Val
		sym.SymIdx = int32(i)

		if !esym.IsAbs() {
			sym.SetInputSection(o.Sections[o.GetShndx(esym, i)])
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := 0; i < len(o.LocalSymbols); i++ {
		o.Symbols[i] = &o.LocalSymbols[i]
	}

	for i := len(o.LocalSymbols); i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		name := ElfGetName(o.SymbolStrtab, esym.Name)
		o.Symbols[i] = GetSymbolByName(ctx, name)
		if esym.IsCommon() {
			o.HasCommon = true
		}
	}
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int) int64 {
	utils.Assert(idx >= 0 && idx < len(o.ElfSyms))

	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

func (o *ObjectFile) GetSection(esym *Sym, idx int) *InputSection {
	return o.Sections[o.GetShndx(esym, idx)]
}

func (o *ObjectFile) GetGlobalSyms() []*Symbol {
	return o.Symbols[o.FirstGlobal:]
}

// A section is mergeable when SHF_MERGE is set and the entry size is sane:
// null-terminated strings for SHF_STRINGS, fixed-size records otherwise.
func (o *ObjectFile) initializeMergeableSections(ctx *Context) {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec == nil || !isec.IsAlive || isec.Shdr().Flags&uint64(elf.SHF_MERGE) == 0 {
			continue
		}

		shdr := isec.Shdr()
		if shdr.EntSize == 0 || isec.ShSize == 0 {
			continue
		}
		if shdr.Flags&uint64(elf.SHF_STRINGS) == 0 && uint64(isec.ShSize)%shdr.EntSize != 0 {
			continue
		}

		o.MergeableSections[i] = splitSection(ctx, isec)
		isec.IsAlive = false
	}
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.Index(data, []byte{0})
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		bs := data[i : i+entSize]
		if utils.AllZeros(bs) {
			return i
		}
	}

	return -1
}

func splitSection(ctx *Context, isec *InputSection) *MergeableSection {
	m := &MergeableSection{}
	shdr := isec.Shdr()

	m.Parent = GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags)
	m.Isec = isec
	m.P2Align = isec.P2Align

	data := isec.Contents
	offset := uint64(0)
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(shdr.EntSize))
			if end == -1 {
				utils.Fatal("while reading " + isec.File.File.Name +
					": string is not null terminated")
			}

			sz := uint64(end) + shdr.EntSize
			substr := data[:sz]
			data = data[sz:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += sz
		}
	} else {
		for len(data) > 0 {
			substr := data[:shdr.EntSize]
			data = data[shdr.EntSize:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += shdr.EntSize
		}
	}

	return m
}

func (o *ObjectFile) skipEhframeSections() {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive && isec.Name() == ".eh_frame" {
			isec.IsAlive = false
		}
	}
}

func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}

		var isec *InputSection
		if !esym.IsAbs() && !esym.IsCommon() {
			isec = o.GetSection(esym, i)
			if isec == nil {
				continue
			}
		}

		o.maybeOverrideSymbol(ctx, sym, esym, int32(i), isec)
	}
}

// maybeOverrideSymbol installs this file as the owner of sym when its
// definition outranks the current one. The Symbol mutex serializes the
// handover so the pass can run per-file in parallel; the rank makes the
// winner independent of scheduling.
func (o *ObjectFile) maybeOverrideSymbol(ctx *Context, sym *Symbol, esym *Sym,
	idx int32, isec *InputSection) {
	sym.Mu.Lock()
	defer sym.Mu.Unlock()

	if GetRank(o, esym, !o.IsAlive.Load()) >= sym.GetRank() {
		sym.trace(ctx, "definition in %s loses to %s", o.File.Name, symOwnerName(sym))
		return
	}

	sym.File = o
	sym.SetInputSection(isec)
	sym.Value = esym.Val
	sym.SymIdx = idx
	sym.Visibility = esym.StVisibility()
	sym.IsWeak = esym.IsWeak()
	sym.IsUndefWeak = false
	sym.trace(ctx, "defined in %s", o.File.Name)
}

func symOwnerName(sym *Symbol) string {
	if sym.File == nil {
		return "<undefined>"
	}
	return sym.File.File.Name
}

// MarkLiveObjects walks the undefined references of an already-live file
// and flips the owning archive members to alive. A weak undefined
// reference does not extract members.
func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*ObjectFile)) {
	utils.Assert(o.IsAlive.Load())

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsWeak() {
			continue
		}
		if sym.File == nil {
			continue
		}

		keep := esym.IsUndef() || (esym.IsCommon() && !sym.ElfSym().IsCommon())
		if keep && sym.File.IsAlive.CompareAndSwap(false, true) {
			sym.trace(ctx, "extracts %s", sym.File.File.Name)
			feeder(sym.File)
		}
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.GetGlobalSyms() {
		if sym.File == o {
			sym.Clear()
		}
	}
}

// EliminateDuplicateComdatGroups runs in two steps: every file claims its
// groups under the group mutex, then losers kill their member sections.
// The (priority, section index) order makes the winner deterministic.
func (o *ObjectFile) ClaimComdatGroups() {
	for _, ref := range o.ComdatGroups {
		g := ref.Group
		g.Mu.Lock()
		if g.Owner == nil || o.Priority < g.Owner.Priority ||
			(o.Priority == g.Owner.Priority && ref.SectionIdx < g.SectionIdx) {
			g.Owner = o
			g.SectionIdx = ref.SectionIdx
		}
		g.Mu.Unlock()
	}
}

func (o *ObjectFile) RemoveLosingComdatMembers() {
	for _, ref := range o.ComdatGroups {
		if ref.Group.Owner == o && ref.Group.SectionIdx == ref.SectionIdx {
			continue
		}
		for _, idx := range ref.Members {
			if isec := o.Sections[idx]; isec != nil {
				isec.IsAlive = false
			}
			o.MergeableSections[idx] = nil
		}
	}
}

// ConvertCommonSymbols rebinds each owned COMMON symbol to a synthesized
// anonymous BSS input section of the symbol's size and alignment.
func (o *ObjectFile) ConvertCommonSymbols(ctx *Context) {
	if !o.HasCommon {
		return
	}

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsCommon() {
			continue
		}

		sym := o.Symbols[i]
		if sym.File != o {
			continue
		}

		align := esym.Val
		if align == 0 {
			align = 1
		}

		o.ElfSections = append(o.ElfSections, Shdr{
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Size:      esym.Size,
			AddrAlign: align,
		})

		isec := NewInputSection(ctx, ".bss", o, uint32(len(o.ElfSections)-1))
		o.Sections = append(o.Sections, isec)
		o.MergeableSections = append(o.MergeableSections, nil)

		sym.SetInputSection(isec)
		sym.Value = 0
		sym.SymIdx = int32(i)
	}
}

// RegisterSectionPieces interns the string pieces of every mergeable
// section and rewrites symbols and relocations landing inside a piece
// into fragment references.
func (o *ObjectFile) RegisterSectionPieces(ctx *Context) {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}

		m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
		for i := 0; i < len(m.Strs); i++ {
			frag := m.Parent.Insert(m.Strs[i], m.P2Align)
			frag.SetOwner(m.Isec)
			frag.IsAlive.Store(true)
			m.Fragments = append(m.Fragments, frag)
		}
	}

	for i := 1; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() {
			continue
		}

		m := o.MergeableSections[o.GetShndx(esym, i)]
		if m == nil {
			continue
		}

		frag, fragOffset := m.GetFragment(uint32(esym.Val))
		if frag == nil {
			utils.Fatal("while reading " + o.File.Name + ": bad symbol value")
		}
		sym.SetSectionFragment(frag)
		sym.Value = uint64(fragOffset)
	}

	o.registerRelPieces(ctx)
}

// registerRelPieces redirects relocations whose target is a section
// symbol inside a mergeable section: each such relocation gets a private
// fragment-backed symbol carrying the original addend.
func (o *ObjectFile) registerRelPieces(ctx *Context) {
	nFragSyms := 0
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		for _, r := range isec.GetRels() {
			esym := &o.ElfSyms[r.Sym]
			if esym.Type() == uint8(elf.STT_SECTION) &&
				o.MergeableSections[o.GetShndx(esym, int(r.Sym))] != nil {
				nFragSyms++
			}
		}
	}

	if nFragSyms == 0 {
		return
	}

	o.FragSyms = make([]Symbol, nFragSyms)
	idx := 0

	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		rels := isec.GetRels()
		for i := 0; i < len(rels); i++ {
			r := &rels[i]
			esym := &o.ElfSyms[r.Sym]
			if esym.Type() != uint8(elf.STT_SECTION) {
				continue
			}

			m := o.MergeableSections[o.GetShndx(esym, int(r.Sym))]
			if m == nil {
				continue
			}

			frag, fragOffset := m.GetFragment(uint32(esym.Val) + uint32(r.Addend))
			if frag == nil {
				utils.Fatal("while reading " + o.File.Name + ": bad relocation")
			}

			sym := &o.FragSyms[idx]
			*sym = *NewSymbol("<fragment>")
			sym.File = o
			sym.SymIdx = int32(r.Sym)
			sym.Visibility = uint8(elf.STV_HIDDEN)
			sym.SetSectionFragment(frag)
			sym.Value = uint64(fragOffset) - uint64(r.Addend)

			r.Sym = uint32(len(o.ElfSyms) + idx)
			idx++
		}
	}

	utils.Assert(idx == len(o.FragSyms))

	for i := 0; i < len(o.FragSyms); i++ {
		o.Symbols = append(o.Symbols, &o.FragSyms[i])
	}
}

// ClaimUnresolvedSymbols turns still-undefined weak references into
// absolute zero definitions so write-out resolves them to 0.
func (o *ObjectFile) ClaimUnresolvedSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsUndefWeak() {
			continue
		}

		sym := o.Symbols[i]
		sym.Mu.Lock()
		if sym.File == nil || (sym.ElfSym().IsUndef() && o.Priority < sym.File.Priority) {
			sym.File = o
			sym.SetInputSection(nil)
			sym.Value = 0
			sym.SymIdx = int32(i)
			sym.IsUndefWeak = true
			sym.trace(ctx, "claimed as undefined weak by %s", o.File.Name)
		}
		sym.Mu.Unlock()
	}
}

func (o *ObjectFile) ScanRelocations(ctx *Context) {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive &&
			isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			isec.ScanRelocations(ctx)
		}
	}
}

func (o *ObjectFile) shouldWriteLocal(sym *Symbol, esym *Sym) bool {
	if esym.Type() == uint8(elf.STT_FILE) {
		return false
	}
	if esym.Type() == uint8(elf.STT_SECTION) {
		return sym.InputSection != nil && sym.InputSection.IsAlive
	}
	if sym.InputSection != nil && !sym.InputSection.IsAlive {
		return false
	}
	if sym.SectionFragment != nil && !sym.SectionFragment.IsAlive.Load() {
		return false
	}
	return sym.Name != ""
}

// ComputeSymtab sizes this file's contribution to .symtab and .strtab.
// The per-file offsets are prefix-summed afterwards; see passes.
func (o *ObjectFile) ComputeSymtab(ctx *Context) {
	o.NumLocals = 0
	o.NumGlobals = 0
	o.LocalStrtabSize = 0
	o.GlobalStrtabSize = 0

	for i := 1; i < o.FirstGlobal; i++ {
		sym := &o.LocalSymbols[i]
		if o.shouldWriteLocal(sym, &o.ElfSyms[i]) {
			o.NumLocals++
			o.LocalStrtabSize += uint64(len(sym.Name)) + 1
		}
	}

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		if sym.File == o && int(sym.SymIdx) == i {
			o.NumGlobals++
			o.GlobalStrtabSize += uint64(len(sym.Name)) + 1
		}
	}
}

func (o *ObjectFile) symShndx(sym *Symbol, esym *Sym) uint16 {
	if sym.SectionFragment != nil {
		return uint16(sym.SectionFragment.OutputSection.Shndx)
	}
	if sym.InputSection != nil {
		return uint16(sym.InputSection.OutputSection.Shndx)
	}
	if sym.OutputSection != nil {
		return uint16(sym.OutputSection.GetShndx())
	}
	return uint16(elf.SHN_ABS)
}

func (o *ObjectFile) writeSymtabRange(ctx *Context, symtabOff, strtabOff uint64,
	emit func(func(sym *Symbol, esym *Sym))) {
	symtabBase := ctx.Buf[ctx.Symtab.Shdr.Offset:]
	strtabBase := ctx.Buf[ctx.Strtab.Shdr.Offset:]

	emit(func(sym *Symbol, esym *Sym) {
		out := *esym
		out.Name = uint32(strtabOff)
		out.Val = sym.GetAddr(ctx)
		out.Shndx = o.symShndx(sym, esym)

		utils.Write[Sym](symtabBase[symtabOff:], out)
		copy(strtabBase[strtabOff:], sym.Name)
		strtabBase[strtabOff+uint64(len(sym.Name))] = 0

		symtabOff += uint64(SymSize)
		strtabOff += uint64(len(sym.Name)) + 1
	})
}

func (o *ObjectFile) WriteLocalSymtab(ctx *Context) {
	o.writeSymtabRange(ctx, o.LocalSymtabOff, o.LocalStrtabOff,
		func(put func(sym *Symbol, esym *Sym)) {
			for i := 1; i < o.FirstGlobal; i++ {
				sym := &o.LocalSymbols[i]
				if o.shouldWriteLocal(sym, &o.ElfSyms[i]) {
					put(sym, &o.ElfSyms[i])
				}
			}
		})
}

func (o *ObjectFile) WriteGlobalSymtab(ctx *Context) {
	o.writeSymtabRange(ctx, o.GlobalSymtabOff, o.GlobalStrtabOff,
		func(put func(sym *Symbol, esym *Sym)) {
			for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
				sym := o.Symbols[i]
				if sym.File == o && int(sym.SymIdx) == i {
					put(sym, &o.ElfSyms[i])
				}
			}
		})
}
