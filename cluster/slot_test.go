package cluster

import "testing"

func TestHashTag(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"foo", "foo"},
		{"{user1000}.following", "user1000"},
		{"foo{}bar", "foo{}bar"},
		{"foo{{bar}}zap", "{bar"},
		{"foo{bar}{zap}", "bar"},
		{"{}", "{}"},
	}
	for _, c := range cases {
		if got := HashTag(c.key); got != c.want {
			t.Errorf("HashTag(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestKeyHashSlotWithinRange(t *testing.T) {
	keys := []string{"foo", "bar", "{user1000}.following", "{user1000}.followers", ""}
	for _, k := range keys {
		slot := KeyHashSlot(k)
		if slot < 0 || slot >= NumSlots {
			t.Fatalf("KeyHashSlot(%q) = %d, out of range", k, slot)
		}
	}
}

func TestKeyHashSlotHashTagsCollide(t *testing.T) {
	a := KeyHashSlot("{user1000}.following")
	b := KeyHashSlot("{user1000}.followers")
	if a != b {
		t.Errorf("keys sharing a hash tag must land on the same slot: %d != %d", a, b)
	}
}

func TestKeyHashSlotKnownVector(t *testing.T) {
	// Widely cited reference vector for Redis Cluster's CRC16/XMODEM slot
	// hash.
	if got := KeyHashSlot("123456789"); got != 12739 {
		t.Errorf("KeyHashSlot(%q) = %d, want 12739", "123456789", got)
	}
}
