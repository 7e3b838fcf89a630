package policy

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path"
	"strings"
	"unicode"
)

// Mutation verbs no function in the persistence core may be named after.
// The store's API offers no way to rewrite committed data, and this scan
// keeps it that way at the naming level too.
var forbiddenVerbs = []string{
	"update", "delete", "remove", "modify", "edit", "change",
	"overwrite", "truncate", "drop", "clear", "reset", "set",
}

// SetGroupAttrs is the single sanctioned mutation surface: attribute
// rewrites are themselves append-only history records.
var allowedMutationNames = map[string]struct{}{
	"SetGroupAttrs": {},
	"setGroupAttrs": {},
}

// VerbViolation is one function declaration named after a mutation verb.
type VerbViolation struct {
	File string
	Line int
	Name string
	Verb string
}

// ScanMutationVerbs parses every non-test .go file under fsys and reports
// function and method declarations whose names begin with a forbidden
// mutation verb. Run at startup and in the test suite.
func ScanMutationVerbs(fsys fs.FS) ([]VerbViolation, error) {
	var violations []VerbViolation
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor") {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(p, ".go") || strings.HasSuffix(p, "_test.go") {
			return nil
		}
		src, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path.Base(p), src, parser.SkipObjectResolution)
		if err != nil {
			return err
		}
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}
			name := fn.Name.Name
			if _, allowed := allowedMutationNames[name]; allowed {
				continue
			}
			if verb, hit := mutationVerb(name); hit {
				violations = append(violations, VerbViolation{
					File: p,
					Line: fset.Position(fn.Name.Pos()).Line,
					Name: name,
					Verb: verb,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}

// mutationVerb reports whether name starts with a forbidden verb at a word
// boundary, so "Settings" passes but "SetStatus" does not.
func mutationVerb(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, verb := range forbiddenVerbs {
		if !strings.HasPrefix(lower, verb) {
			continue
		}
		if len(name) == len(verb) {
			return verb, true
		}
		next := rune(name[len(verb)])
		if unicode.IsUpper(next) || next == '_' {
			return verb, true
		}
	}
	return "", false
}
