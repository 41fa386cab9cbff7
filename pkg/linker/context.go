package linker

import (
	"runtime"
	"sync"

	"github.com/xyproto/env/v2"
)

type ContextArgs struct {
	Output       string
	Emulation    MachineType
	LibraryPaths []string
	Static       bool
	PrintMap     bool
	TraceSymbols map[string]bool
	Jobs         int
	ImageBase    uint64
}

// Context carries everything the link pipeline shares between phases.
// There is no process-wide mutable state; every pass receives this.
type Context struct {
	Args ContextArgs
	Buf  []byte

	Ehdr     *OutputEhdr
	Shdr     *OutputShdr
	Phdr     *OutputPhdr
	Interp   *InterpSection
	Got      *GotSection
	GotPlt   *GotPltSection
	Plt      *PltSection
	RelPlt   *RelPltSection
	Shstrtab *ShstrtabSection
	Symtab   *SymtabSection
	Strtab   *StrtabSection

	TlsEnd uint64

	OutputSections []*OutputSection
	MergedSections []*MergedSection
	osecMu         sync.Mutex

	Chunks []Chunker

	Objs         []*ObjectFile
	FilePriority uint32

	// Global symbols interned by name. Insert-only; see GetSymbolByName.
	symbolMap sync.Map

	// COMDAT groups interned by signature. Insert-only.
	comdatMap sync.Map

	InternalObj   *ObjectFile
	InternalEsyms []Sym

	printMu sync.Mutex

	__EhdrStart         *Symbol
	__BssStart          *Symbol
	__End, __End_       *Symbol
	__Etext, __Etext_   *Symbol
	__Edata, __Edata_   *Symbol
	__InitArrayStart    *Symbol
	__InitArrayEnd      *Symbol
	__FiniArrayStart    *Symbol
	__FiniArrayEnd      *Symbol
	__PreinitArrayStart *Symbol
	__PreinitArrayEnd   *Symbol
	__RelaIpltStart     *Symbol
	__RelaIpltEnd       *Symbol
}

func NewContext() *Context {
	return &Context{
		// Priority 1 is reserved for the internal file.
		FilePriority: 2,
		Args: ContextArgs{
			Output:       "a.out",
			Emulation:    MachineTypeNone,
			TraceSymbols: make(map[string]bool),
			Jobs:         env.Int("MOLD_JOBS", runtime.NumCPU()),
			ImageBase:    uint64(env.Int("MOLD_IMAGE_BASE", 0x200000)),
		},
	}
}
