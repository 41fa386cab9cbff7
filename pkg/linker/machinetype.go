package linker

import (
	"debug/elf"

	"github.com/Dicklessgreat/mold/pkg/utils"
)

type MachineType = uint8

const (
	MachineTypeNone MachineType = iota
	MachineTypeX86_64
)

func GetMachineTypeFromContents(contents []byte) MachineType {
	ft := GetFileType(contents)

	switch ft {
	case FileTypeObject:
		machine := elf.Machine(utils.Read[uint16](contents[18:]))
		if machine == elf.EM_X86_64 && elf.Class(contents[4]) == elf.ELFCLASS64 {
			return MachineTypeX86_64
		}
	case FileTypeArchive:
		for _, child := range ReadArchiveMembers(&File{Name: "<archive>", Contents: contents}) {
			if mt := GetMachineTypeFromContents(child.Contents); mt != MachineTypeNone {
				return mt
			}
		}
	}

	return MachineTypeNone
}

type FileType = uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeArchive
)

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) {
		et := elf.Type(utils.Read[uint16](contents[16:]))
		if et == elf.ET_REL {
			return FileTypeObject
		}
		return FileTypeUnknown
	}

	if bytes8(contents) == "!<arch>\n" {
		return FileTypeArchive
	}

	return FileTypeUnknown
}

func bytes8(contents []byte) string {
	if len(contents) < 8 {
		return ""
	}
	return string(contents[:8])
}
