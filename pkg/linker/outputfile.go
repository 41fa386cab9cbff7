package linker

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// OutputFile is the mmap-backed image under construction. Offsets were
// assigned before write-out, so every byte of Buf has exactly one
// writer and the chunks can copy themselves in parallel.
type OutputFile struct {
	fd   int
	path string
	Buf  []byte
}

func NewOutputFile(path string, size uint64) *OutputFile {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0755)
	if err != nil {
		utils.Fatal("while opening " + path + ": " + err.Error())
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		utils.Fatal("while resizing " + path + ": " + err.Error())
	}

	buf, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		utils.Fatal("while mapping " + path + ": " + err.Error())
	}

	return &OutputFile{fd: fd, path: path, Buf: buf}
}

func (o *OutputFile) Close() {
	if err := unix.Msync(o.Buf, unix.MS_SYNC); err != nil {
		utils.Fatal("while writing " + o.path + ": " + err.Error())
	}
	utils.MustNo(unix.Munmap(o.Buf))
	utils.MustNo(unix.Close(o.fd))
	utils.MustNo(os.Chmod(o.path, 0755))
}
