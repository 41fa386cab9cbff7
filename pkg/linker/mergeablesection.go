package linker

import "sort"

// MergeableSection is the split form of one SHF_MERGE input section: the
// piece strings, their original offsets, and the interned fragments they
// map to once registered.
type MergeableSection struct {
	Parent      *MergedSection
	Isec        *InputSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint32
	Fragments   []*SectionFragment
}

// GetFragment maps an offset within the original section to the piece
// containing it and the offset inside that piece.
func (m *MergeableSection) GetFragment(offset uint32) (*SectionFragment, uint32) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})

	if pos == 0 {
		return nil, 0
	}

	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}
