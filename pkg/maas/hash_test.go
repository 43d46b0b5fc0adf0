package maas

import "testing"

func TestStableHash_DeterministicAndOrderSensitive(t *testing.T) {
	h1 := StableHash([]string{"s1", "s2"})
	h2 := StableHash([]string{"s1", "s2"})
	if h1 != h2 {
		t.Fatalf("expected identical hashes for identical input, got %s vs %s", h1, h2)
	}

	h3 := StableHash([]string{"s2", "s1"})
	if h1 == h3 {
		t.Fatalf("expected order to change the hash")
	}
}

func TestStableHash_PrefixedHex(t *testing.T) {
	h := StableHash([]string{"s1"})
	if len(h) < 2 || h[:2] != "0x" {
		t.Fatalf("expected 0x-prefixed hex digest, got %s", h)
	}
}
