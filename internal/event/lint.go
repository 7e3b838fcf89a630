package event

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"strconv"
	"strings"
)

// Violation describes a non-canonical event label found in source.
type Violation struct {
	Position string // file:line
	Label    string
	Err      error
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %v", v.Position, v.Label, v.Err)
}

// Lint parses every non-test .go file under fsys and validates each string
// literal passed to event.MustName or event.NewName. A test gate runs this
// over the repository so an unapproved label fails the suite.
func Lint(fsys fs.FS) ([]Violation, error) {
	var violations []Violation

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "vendor" || strings.HasPrefix(d.Name(), "_") || strings.HasPrefix(d.Name(), ".") {
				if path != "." {
					return fs.SkipDir
				}
			}
			return nil
		}
		// Test files may exercise invalid labels on purpose.
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		src, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		ast.Inspect(file, func(node ast.Node) bool {
			call, ok := node.(*ast.CallExpr)
			if !ok {
				return true
			}
			if !isNameConstructor(call.Fun) || len(call.Args) != 1 {
				return true
			}
			lit, ok := call.Args[0].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				return true
			}
			label, err := strconv.Unquote(lit.Value)
			if err != nil {
				return true
			}
			if vErr := Validate(label); vErr != nil {
				violations = append(violations, Violation{
					Position: fset.Position(lit.Pos()).String(),
					Label:    label,
					Err:      vErr,
				})
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}

// isNameConstructor matches event.MustName / event.NewName call targets,
// qualified or dot-imported.
func isNameConstructor(expr ast.Expr) bool {
	switch fn := expr.(type) {
	case *ast.Ident:
		return fn.Name == "MustName" || fn.Name == "NewName"
	case *ast.SelectorExpr:
		return fn.Sel.Name == "MustName" || fn.Sel.Name == "NewName"
	}
	return false
}
