package policy

import (
	"os"
	"testing"
	"testing/fstest"
)

func TestScanFlagsMutationVerbs(t *testing.T) {
	fsys := fstest.MapFS{
		"store/store.go": &fstest.MapFile{Data: []byte(`package store

func UpdateRecord() {}

func deleteRow() {}

func Settings() {} // "set" at a non-boundary, fine

func Append() {}
`)},
	}

	violations, err := ScanMutationVerbs(fsys)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("violations = %d, want 2: %+v", len(violations), violations)
	}
	if violations[0].Name != "UpdateRecord" || violations[0].Verb != "update" {
		t.Errorf("violation 0 = %+v", violations[0])
	}
	if violations[1].Name != "deleteRow" || violations[1].Verb != "delete" {
		t.Errorf("violation 1 = %+v", violations[1])
	}
}

func TestScanAllowsSanctionedAttrWriter(t *testing.T) {
	fsys := fstest.MapFS{
		"a/a.go": &fstest.MapFile{Data: []byte(`package a

func SetGroupAttrs() {}
`)},
	}
	violations, err := ScanMutationVerbs(fsys)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations = %+v, want none", violations)
	}
}

func TestScanSkipsTestsAndHiddenDirs(t *testing.T) {
	fsys := fstest.MapFS{
		"a/a_test.go":     &fstest.MapFile{Data: []byte("package a\n\nfunc ResetFixture() {}\n")},
		"_examples/x.go":  &fstest.MapFile{Data: []byte("package x\n\nfunc DropTable() {}\n")},
		"vendor/v/v.go":   &fstest.MapFile{Data: []byte("package v\n\nfunc ClearCache() {}\n")},
		".hidden/h.go":    &fstest.MapFile{Data: []byte("package h\n\nfunc TruncateLog() {}\n")},
		"ok/ok.go":        &fstest.MapFile{Data: []byte("package ok\n\nfunc Append() {}\n")},
	}
	violations, err := ScanMutationVerbs(fsys)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations = %+v, want none", violations)
	}
}

// The scan doubles as a gate over this repository's own sources.
func TestRepositoryHasNoMutationVerbs(t *testing.T) {
	violations, err := ScanMutationVerbs(os.DirFS("../.."))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, v := range violations {
		t.Errorf("%s:%d: function %s uses mutation verb %q", v.File, v.Line, v.Name, v.Verb)
	}
}
