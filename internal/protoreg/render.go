package protoreg

import (
	"io"
	"os"
	"path"

	"github.com/jhump/protoreflect/v2/protoprint"
)

// Render writes the proto sources of r under outDir, one file per
// descriptor at its own path.
func Render(r *Registry, outDir string) error {
	for _, fd := range r.Files() {
		fp := path.Join(outDir, fd.Path())
		if err := os.MkdirAll(path.Dir(fp), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		err = Print(r, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Print writes the proto sources of r to w.
func Print(r *Registry, w io.Writer) error {
	pp := protoprint.Printer{}
	for _, fd := range r.Files() {
		if err := pp.PrintProtoFile(fd, w); err != nil {
			return err
		}
	}
	return nil
}
