package linker

import (
	"debug/elf"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

const (
	NeedsGot   uint32 = 1 << 0
	NeedsGotTp uint32 = 1 << 1
	NeedsPlt   uint32 = 1 << 2
)

// Symbol is the linker-side view of a global symbol, interned by name.
// At most one ObjectFile owns it at a time; Mu serializes the handover.
type Symbol struct {
	File *ObjectFile
	Name string

	InputSection    *InputSection
	OutputSection   Chunker
	SectionFragment *SectionFragment

	Value  uint64
	SymIdx int32

	GotOffset    int32
	GotTpOffset  int32
	GotPltOffset int32
	PltOffset    int32
	RelPltOffset int32

	Visibility uint8

	IsWeak      bool
	IsUndefWeak bool
	Traced      bool

	Flags atomic.Uint32

	Mu sync.Mutex
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:         name,
		SymIdx:       -1,
		GotOffset:    -1,
		GotTpOffset:  -1,
		GotPltOffset: -1,
		PltOffset:    -1,
		RelPltOffset: -1,
		Visibility:   uint8(elf.STV_DEFAULT),
	}
}

// GetSymbolByName interns name into the context-wide symbol map. Safe for
// concurrent use; every call with the same name returns the same Symbol.
func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.symbolMap.Load(name); ok {
		return sym.(*Symbol)
	}
	sym, _ := ctx.symbolMap.LoadOrStore(name, NewSymbol(name))
	s := sym.(*Symbol)
	if ctx.Args.TraceSymbols[name] {
		s.Traced = true
	}
	return s
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
	s.SectionFragment = nil
}

func (s *Symbol) SetOutputSection(osec Chunker) {
	s.InputSection = nil
	s.OutputSection = osec
	s.SectionFragment = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.OutputSection = nil
	s.SectionFragment = frag
}

func (s *Symbol) ElfSym() *Sym {
	utils.Assert(s.SymIdx >= 0 && int(s.SymIdx) < len(s.File.ElfSyms))
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) Clear() {
	s.File = nil
	s.InputSection = nil
	s.OutputSection = nil
	s.SectionFragment = nil
	s.SymIdx = -1
	s.IsWeak = false
	s.IsUndefWeak = false
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.SectionFragment != nil {
		if !s.SectionFragment.IsAlive.Load() {
			return 0
		}
		return s.SectionFragment.GetAddr() + s.Value
	}

	if s.InputSection != nil {
		if !s.InputSection.IsAlive {
			return 0
		}
		return s.InputSection.GetAddr() + s.Value
	}

	return s.Value
}

func (s *Symbol) HasPlt() bool {
	return s.PltOffset != -1
}

func (s *Symbol) GetPltAddr(ctx *Context) uint64 {
	return ctx.Plt.Shdr.Addr + uint64(s.PltOffset)
}

func (s *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotOffset)
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotTpOffset)
}

func (s *Symbol) GetGotPltAddr(ctx *Context) uint64 {
	return ctx.GotPlt.Shdr.Addr + uint64(s.GotPltOffset)
}

// GetRank orders the current owner against the §resolution tiers. Lower
// wins. The priority in the low bits breaks ties deterministically.
func (s *Symbol) GetRank() uint64 {
	if s.File == nil {
		return 7 << 24
	}
	return GetRank(s.File, s.ElfSym(), !s.File.IsAlive.Load())
}

func (s *Symbol) trace(ctx *Context, format string, args ...any) {
	if !s.Traced {
		return
	}
	ctx.printMu.Lock()
	defer ctx.printMu.Unlock()
	fmt.Printf("trace-symbol: %s: %s\n", s.Name, fmt.Sprintf(format, args...))
}
