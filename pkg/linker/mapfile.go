package linker

import (
	"fmt"
	"os"
)

// PrintMap writes the address map: each output section followed by the
// input sections placed inside it, with owning files.
func PrintMap(ctx *Context) {
	w := os.Stdout

	fmt.Fprintf(w, "             VMA       Size Align Out     In      File\n")

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		fmt.Fprintf(w, "%16x %10d %5d %s\n",
			shdr.Addr, shdr.Size, shdr.AddrAlign, chunk.GetName())

		osec, ok := chunk.(*OutputSection)
		if !ok {
			continue
		}

		for _, isec := range osec.Members {
			fmt.Fprintf(w, "%16x %10d %5d         %s      %s\n",
				isec.GetAddr(), isec.ShSize, uint64(1)<<isec.P2Align,
				isec.Name(), isec.File.File.Name)
		}
	}
}
