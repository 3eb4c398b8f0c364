package receive

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestInferAdHocGrpIDMatchesSpecFormula(t *testing.T) {
	self := "self@x"
	from := "a@x"
	toCc := []string{"b@x", "c@x"}

	got, ok := inferAdHocGrpID(self, from, toCc)
	if !ok {
		t.Fatal("expected an ad-hoc group id for a 3-member conversation")
	}

	sum := sha256.Sum256([]byte("self@x,a@x,b@x,c@x"))
	want := hex.EncodeToString(sum[:8])
	if got != want {
		t.Errorf("grpid = %q, want %q", got, want)
	}
}

func TestInferAdHocGrpIDStableUnderPermutation(t *testing.T) {
	self := "self@x"
	a, ok1 := inferAdHocGrpID(self, "a@x", []string{"b@x", "c@x"})
	b, ok2 := inferAdHocGrpID(self, "c@x", []string{"a@x", "b@x"})
	if !ok1 || !ok2 {
		t.Fatal("expected both orderings to infer a group id")
	}
	if a != b {
		t.Errorf("grpid not stable under member-order permutation: %q != %q", a, b)
	}
}

func TestInferAdHocGrpIDRequiresTwoMembers(t *testing.T) {
	if _, ok := inferAdHocGrpID("self@x", "a@x", nil); ok {
		t.Fatal("a single non-self participant must not infer an ad-hoc group")
	}
}

func TestInferAdHocGrpIDExcludesSelf(t *testing.T) {
	self := "self@x"
	got, ok := inferAdHocGrpID(self, "a@x", []string{"self@x", "b@x"})
	if !ok {
		t.Fatal("expected an ad-hoc group id")
	}
	sum := sha256.Sum256([]byte("self@x,a@x,b@x"))
	want := hex.EncodeToString(sum[:8])
	if got != want {
		t.Errorf("grpid = %q, want %q (self must not be double-counted as a member)", got, want)
	}
}
