package protocol

import (
	"strings"
	"testing"
)

func identityKeys(t *testing.T) ([32]byte, [32]byte) {
	t.Helper()
	alice, bob := newDevicePair(t)
	a, _ := alice.IdentityPublic()
	b, _ := bob.IdentityPublic()
	return a, b
}

func TestSafetyNumberSymmetry(t *testing.T) {
	a, b := identityKeys(t)

	ab := ComputeSafetyNumber(a, b)
	ba := ComputeSafetyNumber(b, a)

	if ab.Digits != ba.Digits {
		t.Fatalf("safety number not symmetric: %s vs %s", ab.Digits, ba.Digits)
	}
	if ab.DisplayText != ba.DisplayText {
		t.Fatalf("display text not symmetric")
	}
}

func TestSafetyNumberFormat(t *testing.T) {
	a, b := identityKeys(t)
	sn := ComputeSafetyNumber(a, b)

	if len(sn.Digits) != 60 {
		t.Fatalf("expected 60 digits, got %d", len(sn.Digits))
	}
	for _, c := range sn.Digits {
		if c < '0' || c > '9' {
			t.Fatalf("non-decimal character %q in digits", c)
		}
	}

	groups := strings.Split(sn.DisplayText, " ")
	if len(groups) != 12 {
		t.Fatalf("expected 12 groups, got %d", len(groups))
	}
	for _, g := range groups {
		if len(g) != 5 {
			t.Fatalf("expected 5-character group, got %q", g)
		}
	}
	if strings.ReplaceAll(sn.DisplayText, " ", "") != sn.Digits {
		t.Fatalf("display text does not match raw digits")
	}
}

func TestSafetyNumberDeterministic(t *testing.T) {
	a, b := identityKeys(t)
	if ComputeSafetyNumber(a, b) != ComputeSafetyNumber(a, b) {
		t.Fatalf("safety number not deterministic")
	}
}

func TestSafetyNumberDistinguishesKeys(t *testing.T) {
	a, b := identityKeys(t)
	_, c := identityKeys(t)

	if ComputeSafetyNumber(a, b).Digits == ComputeSafetyNumber(a, c).Digits {
		t.Fatalf("different key pairs produced identical safety numbers")
	}
}
