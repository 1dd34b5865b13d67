package selfupdate

import (
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
)

// checkGoTree syntax-parses every Go source file under root. A tree
// that fails here cannot build, so boot rolls it back rather than
// carrying it forward.
func checkGoTree(root string) error {
	files, err := walkFiles(root)
	if err != nil {
		return err
	}
	fset := token.NewFileSet()
	for _, rel := range files {
		if !strings.HasSuffix(rel, ".go") {
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := parser.ParseFile(fset, abs, nil, parser.SkipObjectResolution); err != nil {
			return fmt.Errorf("syntax check: %w", err)
		}
	}
	return nil
}

// checkGoSource parses one proposed file's contents before acceptance.
func checkGoSource(name string, src []byte) error {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, name, src, parser.SkipObjectResolution); err != nil {
		return fmt.Errorf("go syntax: %w", err)
	}
	return nil
}
