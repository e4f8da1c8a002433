package depfile

import (
	"reflect"
	"testing"
)

func TestParseBasic(t *testing.T) {
	r, err := Parse("build/out.o: src/a.c src/a.h\n")
	if err != nil {
		t.Fatal(err)
	}
	if r.Output != "build/out.o" {
		t.Fatalf("got output %q", r.Output)
	}
	if !reflect.DeepEqual(r.Inputs, []string{"src/a.c", "src/a.h"}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}
}

func TestParseLineContinuation(t *testing.T) {
	r, err := Parse("out.o: a.h \\\n  b.h \\\n  c.h\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Inputs, []string{"a.h", "b.h", "c.h"}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}
}

func TestParseMergesRepeatedOutput(t *testing.T) {
	r, err := Parse("out.o: a.h\nout.o: b.h\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Inputs, []string{"a.h", "b.h"}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}
}

func TestParseRejectsMultipleOutputs(t *testing.T) {
	_, err := Parse("a.o: x.h\nb.o: y.h\n")
	if err == nil {
		t.Fatalf("expected error for multiple distinct outputs")
	}
}

func TestParseHashEscape(t *testing.T) {
	// A single backslash directly before '#' is dropped, leaving a
	// literal '#' in the filename rather than starting a comment.
	r, err := Parse(`out.o: weird\#file.h` + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Inputs, []string{`weird#file.h`}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}
}

func TestParseMultipleBackslashesBeforeHash(t *testing.T) {
	// A run of backslashes before '#' always loses exactly one
	// backslash, regardless of parity — unlike the space rule, which
	// halves an odd run and keeps an even one.
	r, err := Parse(`out.o: share\info\\#1` + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Inputs, []string{`share\info\#1`}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}
}

func TestParseMultipleBackslashesBeforeSpace(t *testing.T) {
	// Odd run before a space: half the backslashes survive plus a
	// literal escaped space, and the space does not split the token.
	r, err := Parse(`out.o: foo\ bar.h baz.h` + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Inputs, []string{"foo bar.h", "baz.h"}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}

	// Even run before a space: the backslashes are literal and the
	// space really does separate tokens.
	r, err = Parse(`out.o: foo\\ bar.h` + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Inputs, []string{`foo\\`, "bar.h"}) {
		t.Fatalf("got inputs %v", r.Inputs)
	}
}

func TestParseMissingColonIsError(t *testing.T) {
	_, err := Parse("not a rule at all\n")
	if err == nil {
		t.Fatalf("expected error")
	}
}
