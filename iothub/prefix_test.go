package iothub

import "testing"

func TestPrefixPolicy(t *testing.T) {
	t.Parallel()

	p := newPrefixPolicy(true, "bridge1")
	if got := p.Add("dev1"); got != "bridge1-dev1" {
		t.Errorf("Add = %q", got)
	}
	if got := p.Add("bridge1-dev1"); got != "bridge1-dev1" {
		t.Errorf("Add is not idempotent: %q", got)
	}
	if got := p.Remove("bridge1-dev1"); got != "dev1" {
		t.Errorf("Remove = %q", got)
	}
	if got := p.Remove(p.Add("dev1")); got != "dev1" {
		t.Errorf("roundtrip = %q", got)
	}
}

func TestPrefixPolicy_Disabled(t *testing.T) {
	t.Parallel()

	for _, p := range []prefixPolicy{
		newPrefixPolicy(false, "bridge1"),
		newPrefixPolicy(true, ""), // no prefix value means no prefixing
	} {
		if got := p.Add("dev1"); got != "dev1" {
			t.Errorf("Add = %q", got)
		}
		if got := p.Remove("dev1"); got != "dev1" {
			t.Errorf("Remove = %q", got)
		}
	}
}
