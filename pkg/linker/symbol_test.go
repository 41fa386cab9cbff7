package linker

import (
	"sync"
	"testing"
)

func TestSymbolInternUniqueness(t *testing.T) {
	ctx := newTestContext(0)

	const n = 64
	syms := make([]*Symbol, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			syms[i] = GetSymbolByName(ctx, "dup")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if syms[i] != syms[0] {
			t.Fatal("interning the same name returned different symbols")
		}
	}

	if GetSymbolByName(ctx, "other") == syms[0] {
		t.Fatal("distinct names interned to the same symbol")
	}
}

func TestRankOrdering(t *testing.T) {
	cmdline := &ObjectFile{Priority: 2}
	lazy := &ObjectFile{Priority: 1<<16 + 3}

	strong := Sym{Info: 0x12, Shndx: 1} // GLOBAL FUNC, defined
	weak := Sym{Info: 0x22, Shndx: 1}
	common := Sym{Info: 0x12, Shndx: 0xfff2}

	cases := []struct {
		name   string
		lo, hi uint64
	}{
		{"strong beats weak", GetRank(cmdline, &strong, false), GetRank(cmdline, &weak, false)},
		{"weak beats lazy strong", GetRank(cmdline, &weak, false), GetRank(lazy, &strong, true)},
		{"lazy strong beats lazy weak", GetRank(lazy, &strong, true), GetRank(lazy, &weak, true)},
		{"lazy weak beats common", GetRank(lazy, &weak, true), GetRank(cmdline, &common, false)},
		{"common beats lazy common", GetRank(cmdline, &common, false), GetRank(lazy, &common, true)},
	}

	for _, tc := range cases {
		if tc.lo >= tc.hi {
			t.Errorf("%s: %#x >= %#x", tc.name, tc.lo, tc.hi)
		}
	}

	unowned := NewSymbol("u")
	if GetRank(lazy, &weak, true) >= unowned.GetRank() {
		t.Error("any definition must outrank an unowned symbol")
	}
}

// Owners must not depend on the order resolution runs across files.
func TestResolutionOrderIndependence(t *testing.T) {
	strongX := makeObject(
		[]tSec{textSection(make([]byte, 8))},
		nil,
		[]tSym{{name: "x", info: 0x12, shndx: 1}},
	)
	weakX := makeObject(
		[]tSec{textSection(make([]byte, 8))},
		nil,
		[]tSym{{name: "x", info: 0x22, shndx: 1}},
	)

	for trial := 0; trial < 8; trial++ {
		ctx := newTestContext(8)
		linkAll(ctx, []tInput{obj("weak.o", weakX), obj("strong.o", strongX)})

		x := mustSym(t, ctx, "x")
		if x.File.File.Name != "strong.o" {
			t.Fatalf("trial %d: x owned by %s", trial, x.File.File.Name)
		}
	}
}

func TestGetFragment(t *testing.T) {
	m := &MergeableSection{
		FragOffsets: []uint32{0, 3, 8},
		Fragments: []*SectionFragment{
			NewSectionFragment(nil), NewSectionFragment(nil), NewSectionFragment(nil),
		},
	}

	for _, tc := range []struct {
		offset   uint32
		wantIdx  int
		wantRest uint32
	}{
		{0, 0, 0}, {2, 0, 2}, {3, 1, 0}, {7, 1, 4}, {8, 2, 0}, {100, 2, 92},
	} {
		frag, rest := m.GetFragment(tc.offset)
		if frag != m.Fragments[tc.wantIdx] || rest != tc.wantRest {
			t.Errorf("GetFragment(%d) = (%p, %d), want (%p, %d)",
				tc.offset, frag, rest, m.Fragments[tc.wantIdx], tc.wantRest)
		}
	}
}

func TestReadArchiveMembers(t *testing.T) {
	a := makeObject([]tSec{textSection(make([]byte, 8))}, nil,
		[]tSym{{name: "one", info: 0x12, shndx: 1}})
	b := makeObject([]tSec{textSection(make([]byte, 9))}, nil,
		[]tSym{{name: "two", info: 0x12, shndx: 1}})

	ar := makeArchive([]tMember{{"one.o", a}, {"two.o", b}})
	if GetFileType(ar) != FileTypeArchive {
		t.Fatal("archive magic not recognized")
	}

	members := ReadArchiveMembers(&File{Name: "lib.a", Contents: ar})
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	for i, want := range []string{"one.o", "two.o"} {
		if members[i].Name != want {
			t.Errorf("member %d name = %q, want %q", i, members[i].Name, want)
		}
		if GetFileType(members[i].Contents) != FileTypeObject {
			t.Errorf("member %d is not an object", i)
		}
	}
}

func TestGetOutputName(t *testing.T) {
	for _, tc := range []struct {
		in    string
		flags uint64
		want  string
	}{
		{".text.main", 0, ".text"},
		{".text", 0, ".text"},
		{".rodata.str1.1", 0x32, ".rodata.str"}, // MERGE|STRINGS|ALLOC
		{".rodata.cst8", 0x12, ".rodata.cst"},   // MERGE|ALLOC
		{".data.rel.ro.foo", 0, ".data.rel.ro"},
		{".bss.x", 0, ".bss"},
		{".mystuff", 0, ".mystuff"},
	} {
		if got := GetOutputName(tc.in, tc.flags); got != tc.want {
			t.Errorf("GetOutputName(%q, %#x) = %q, want %q", tc.in, tc.flags, got, tc.want)
		}
	}
}

func TestTraceSymbolMarksInterned(t *testing.T) {
	ctx := newTestContext(0)
	ctx.Args.TraceSymbols["watched"] = true

	if !GetSymbolByName(ctx, "watched").Traced {
		t.Error("trace-symbol did not mark the interned symbol")
	}
	if GetSymbolByName(ctx, "ignored").Traced {
		t.Error("unrelated symbol marked traced")
	}
}

func TestPriorityAssignment(t *testing.T) {
	ctx := newTestContext(0)
	a := CreateObjectFile(ctx, &File{Name: "a.o",
		Contents: makeObject([]tSec{textSection(make([]byte, 4))}, nil, nil)}, false)
	m := CreateObjectFile(ctx, &File{Name: "m.o",
		Contents: makeObject([]tSec{textSection(make([]byte, 4))}, nil, nil)}, true)
	b := CreateObjectFile(ctx, &File{Name: "b.o",
		Contents: makeObject([]tSec{textSection(make([]byte, 4))}, nil, nil)}, false)

	if !(a.Priority < b.Priority) {
		t.Error("command-line priority must grow in input order")
	}
	if !(b.Priority < m.Priority) {
		t.Error("archive members must rank after command-line files")
	}
}
