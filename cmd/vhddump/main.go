// Command vhddump inspects and reads VHD (Connectix/Microsoft Virtual
// Hard Disk) images without needing a hypervisor: print the metadata a
// host would normally see in a virtual disk manager, or stream a
// disk's decoded logical bytes out to a file, optionally compressed.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pombredanne/bind7z/vhd"
)

func usage() {
	fmt.Fprintf(os.Stderr, `vhddump - VHD image reader

Usage: %s <action> [args...]

Supported actions:
  info <file.vhd>
    Print the footer, dynamic header, and parent-chain metadata for
    <file.vhd>. Parent images are looked for alongside <file.vhd> and
    any ancestor that can't be found is reported, not treated as fatal.

  extract <file.vhd> <outfile> [--compress=format]
    Decode <file.vhd>'s full logical disk contents to <outfile>.
    <outfile> can be '-' for STDOUT.
    [format] is one of: none, gzip, zopfli, xz, lzma, bzip2, lz4.
    If not given, no compression is applied.

`, os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	action := strings.TrimLeft(os.Args[1], "-")

	switch {
	case action == "info" && len(os.Args) > 2:
		runInfo(os.Args[2])
	case action == "extract" && len(os.Args) > 3:
		runExtract(os.Args[2], os.Args[3], os.Args[4:])
	default:
		usage()
	}
}

func openChain(path string) (*vhd.Image, error) {
	stream, err := vhd.OpenLocalFile(path)
	if err != nil {
		return nil, err
	}
	cb := vhd.DirVolumeCallback{Dir: filepath.Dir(path)}
	img, err := vhd.OpenImage(stream, cb)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return img, nil
}

func runInfo(path string) {
	img, err := openChain(path)
	if err != nil {
		log.Fatalln("Error:", err)
	}
	defer img.Close()

	p := img.Properties()
	fmt.Printf("Path               = %s\n", path)
	fmt.Printf("Type               = %s\n", img.Footer().Type)
	fmt.Printf("Size               = %s (%d bytes)\n", humanize.Bytes(p.Size), p.Size)
	fmt.Printf("PackSize           = %s (%d bytes)\n", humanize.Bytes(p.PackSize), p.PackSize)
	if p.HasClusterSize {
		fmt.Printf("ClusterSize        = %s (%d bytes)\n", humanize.Bytes(p.ClusterSize), p.ClusterSize)
	}
	fmt.Printf("CreationTime (raw) = %s\n", p.CreationTimeRaw.Format(time.RFC3339))
	fmt.Printf("CreationTime (adj) = %s\n", p.CreationTimeAdjusted.Format(time.RFC3339))
	fmt.Printf("Method             = %s\n", p.Method)
	fmt.Printf("CreatorApp         = %s\n", p.CreatorApp)
	fmt.Printf("HostOS             = %s\n", p.HostOS)
	fmt.Printf("ID                 = %s\n", p.ID)
	fmt.Printf("SavedState         = %v\n", p.SavedState)
	if p.HasParent {
		fmt.Printf("Parent             = %s\n", p.Parent)
	}
	fmt.Printf("Offset             = %d\n", p.Offset)
	fmt.Printf("PhySize            = %d\n", p.PhySize)
	if p.Error != "" {
		fmt.Printf("Error              = %s\n", p.Error)
	}
}

func runExtract(path, outfile string, rest []string) {
	format := compressNone
	for _, a := range rest {
		if v, ok := strings.CutPrefix(a, "--compress="); ok {
			f, err := parseCompressFormat(v)
			if err != nil {
				log.Fatalln("Error:", err)
			}
			format = f
		}
	}

	img, err := openChain(path)
	if err != nil {
		log.Fatalln("Error:", err)
	}
	defer img.Close()

	logical, err := img.Stream()
	if err != nil {
		log.Fatalln("Error obtaining logical stream:", err)
	}

	var out *os.File
	if outfile == "-" {
		out = os.Stdout
	} else {
		out, err = os.Create(outfile)
		if err != nil {
			log.Fatalln("Error:", err)
		}
		defer out.Close()
	}

	w, err := newCompressWriter(format, out)
	if err != nil {
		log.Fatalln("Error:", err)
	}

	if _, err := io.Copy(w, logical); err != nil {
		log.Fatalln("Error reading logical stream:", err)
	}
	if err := w.Close(); err != nil {
		log.Fatalln("Error flushing output:", err)
	}
}
