package linker

// Chunker is implemented by everything that occupies space in the output
// file: headers, ordinary output sections and synthetic sections. Go has
// no base-class pointers, so the shared part lives in Chunk and the
// variants embed it.
type Chunker interface {
	GetName() string
	GetShdr() *Shdr
	GetShndx() int64
	SetShndx(int64)
	NewPtLoad() bool
	SetNewPtLoad(bool)
	UpdateShdr(ctx *Context)
	CopyBuf(ctx *Context)
}

type Chunk struct {
	Name      string
	Shdr      Shdr
	Shndx     int64
	newPtLoad bool
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetShndx() int64 {
	return c.Shndx
}

func (c *Chunk) SetShndx(shndx int64) {
	c.Shndx = shndx
}

func (c *Chunk) NewPtLoad() bool {
	return c.newPtLoad
}

func (c *Chunk) SetNewPtLoad(v bool) {
	c.newPtLoad = v
}

func (c *Chunk) UpdateShdr(ctx *Context) {}

func (c *Chunk) CopyBuf(ctx *Context) {}
