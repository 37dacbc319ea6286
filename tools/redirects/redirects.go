package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

const redirectTableSection = ".goredirectstbl"

// redirect maps a Go runtime symbol onto its kernel replacement.
type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared by the go.mod file in root.
func modulePath(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}

	path := modfile.ModulePath(data)
	if path == "" {
		return "", fmt.Errorf("%s: missing module directive", filepath.Join(root, "go.mod"))
	}
	return path, nil
}

// collectGoFiles returns the non-test Go sources below dir.
func collectGoFiles(dir string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects parses goFiles (paths relative to the module root) and
// returns a redirect for every function annotated with go:redirect-from.
// The destination symbol is qualified with modPath.
func findRedirects(modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", goFile, err)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.Contains(comment.Text, "go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s",
					modPath,
					filepath.ToSlash(filepath.Dir(goFile)),
					fnDecl.Name,
				)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	redirectsSection := f.Section(redirectTableSection)
	if redirectsSection == nil {
		return 0, fmt.Errorf("%s: missing %s section", imgFile, redirectTableSection)
	}

	return redirectsSection.Offset, nil
}

// writeRedirectTable serializes the resolved redirects as pairs of
// little-endian source and destination addresses.
func writeRedirectTable(w io.Writer, redirects []*redirect) error {
	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}
	return nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return err
	}

	return writeRedirectTable(f, redirects)
}

// resolveRedirectSymbols fills in the addresses of both ends of each
// redirect from the supplied symbol table.
func resolveRedirectSymbols(redirects []*redirect, symbols []elf.Symbol) error {
	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	if err = resolveRedirectSymbols(redirects, symbols); err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}
	return nil
}
