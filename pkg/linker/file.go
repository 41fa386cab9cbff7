package linker

import (
	"os"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

// File is the raw bytes of one input, either given on the command line or
// extracted from an archive. Parent points at the containing archive.
type File struct {
	Name     string
	Contents []byte
	Parent   *File
}

func MustNewFile(filename string) *File {
	contents, err := os.ReadFile(filename)
	if err != nil {
		utils.Fatal("while reading " + filename + ": " + err.Error())
	}
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

func OpenLibrary(filepath string) *File {
	contents, err := os.ReadFile(filepath)
	if err != nil {
		return nil
	}

	return &File{
		Name:     filepath,
		Contents: contents,
	}
}

func FindLibrary(ctx *Context, name string) *File {
	for _, dir := range ctx.Args.LibraryPaths {
		stem := dir + "/lib" + name + ".a"
		if f := OpenLibrary(stem); f != nil {
			return f
		}
	}

	utils.Fatal("library not found: -l" + name)
	return nil
}
