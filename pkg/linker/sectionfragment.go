package linker

import (
	"math"
	"sync/atomic"
)

// SectionFragment is one interned string piece of a merged section.
// Pieces are inserted concurrently; the owner pointer settles on the
// input section of the lowest-priority file so the result is
// deterministic regardless of insertion order.
type SectionFragment struct {
	OutputSection *MergedSection
	Isec          atomic.Pointer[InputSection]
	Offset        uint32
	P2Align       atomic.Uint32
	IsAlive       atomic.Bool
}

func NewSectionFragment(m *MergedSection) *SectionFragment {
	f := &SectionFragment{OutputSection: m}
	f.Offset = math.MaxUint32
	return f
}

func (f *SectionFragment) SetOwner(isec *InputSection) {
	for {
		old := f.Isec.Load()
		if old != nil && fragOwnerRank(old) <= fragOwnerRank(isec) {
			return
		}
		if f.Isec.CompareAndSwap(old, isec) {
			return
		}
	}
}

func fragOwnerRank(isec *InputSection) uint64 {
	return uint64(isec.File.Priority)<<32 | uint64(isec.Shndx)
}

func (f *SectionFragment) UpdateP2Align(p2align uint32) {
	for {
		old := f.P2Align.Load()
		if old >= p2align || f.P2Align.CompareAndSwap(old, p2align) {
			return
		}
	}
}

func (f *SectionFragment) GetAddr() uint64 {
	return f.OutputSection.Shdr.Addr + uint64(f.Offset)
}
