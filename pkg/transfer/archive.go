package transfer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// ArchiveName is the file name every export bundle is written under.
const ArchiveName = "export.tar.xz"

// packArchive writes the contents of srcDir into a tar.xz file at dst.
// Paths inside the archive are relative to srcDir, forward-slashed.
func packArchive(srcDir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating archive %q: %w", dst, err)
	}
	defer out.Close()

	xzw, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("opening xz stream: %w", err)
	}
	tw := tar.NewWriter(xzw)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("packing %q: %w", srcDir, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := xzw.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// extractArchive unpacks a tar.xz file into dstDir. Entry names are checked
// against path traversal before anything is written.
func extractArchive(src, dstDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening archive %q: %w", src, err)
	}
	defer in.Close()

	xzr, err := xz.NewReader(in)
	if err != nil {
		return fmt.Errorf("opening xz stream of %q: %w", src, err)
	}
	tr := tar.NewReader(xzr)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive %q: %w", src, err)
		}
		if !validRelPath(header.Name) {
			return fmt.Errorf("archive %q contains invalid entry name %q", src, header.Name)
		}
		target := filepath.Join(dstDir, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// validRelPath rejects names that could escape the extraction directory.
func validRelPath(p string) bool {
	if p == "" || strings.Contains(p, `\`) || strings.HasPrefix(p, "/") || strings.Contains(p, "../") {
		return false
	}
	return true
}
