package linker

import (
	"debug/elf"
	"sort"
	"sync"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// MergedSection is the output chunk holding deduplicated string pieces.
// The piece map is insert-only and safe for concurrent registration.
type MergedSection struct {
	Chunk
	fragMap sync.Map
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	m := &MergedSection{Chunk: NewChunk()}
	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	return m
}

// GetMergedSectionInstance finds or registers the merged output section
// for (output name, type, flags). Safe for concurrent use during parsing.
func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags &^ uint64(elf.SHF_GROUP) &^ uint64(elf.SHF_MERGE) &^
		uint64(elf.SHF_STRINGS) &^ uint64(elf.SHF_COMPRESSED)

	ctx.osecMu.Lock()
	defer ctx.osecMu.Unlock()

	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

// Insert interns key and returns its unique fragment. For each byte
// sequence there is exactly one fragment per merged section.
func (m *MergedSection) Insert(key string, p2align uint8) *SectionFragment {
	frag, ok := m.fragMap.Load(key)
	if !ok {
		frag, _ = m.fragMap.LoadOrStore(key, NewSectionFragment(m))
	}

	f := frag.(*SectionFragment)
	f.UpdateP2Align(uint32(p2align))
	return f
}

// AssignOffsets packs the surviving fragments. The order — by length,
// then lexicographically by bytes — is deterministic across runs and
// thread counts.
func (m *MergedSection) AssignOffsets() {
	type keyFrag struct {
		Key  string
		Frag *SectionFragment
	}

	var fragments []keyFrag
	m.fragMap.Range(func(key, val any) bool {
		frag := val.(*SectionFragment)
		if frag.IsAlive.Load() {
			fragments = append(fragments, keyFrag{key.(string), frag})
		}
		return true
	})

	sort.Slice(fragments, func(i, j int) bool {
		x, y := fragments[i], fragments[j]
		if len(x.Key) != len(y.Key) {
			return len(x.Key) < len(y.Key)
		}
		return x.Key < y.Key
	})

	offset := uint64(0)
	p2align := uint64(0)
	for _, kf := range fragments {
		align := uint64(kf.Frag.P2Align.Load())
		offset = utils.AlignTo(offset, 1<<align)
		kf.Frag.Offset = uint32(offset)
		offset += uint64(len(kf.Key))
		if p2align < align {
			p2align = align
		}
	}

	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[m.Shdr.Offset:]
	m.fragMap.Range(func(key, val any) bool {
		frag := val.(*SectionFragment)
		if frag.IsAlive.Load() {
			copy(buf[frag.Offset:], key.(string))
		}
		return true
	})
}
