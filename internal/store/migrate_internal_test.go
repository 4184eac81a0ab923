package store

import "testing"

func TestVersionBaseIsStableAndDistinctPerPrefix(t *testing.T) {
	a := versionBase("tenant_a_")
	b := versionBase("tenant_b_")
	if a == b {
		t.Fatalf("expected distinct version bases for different prefixes, both got %d", a)
	}
	if versionBase("tenant_a_") != a {
		t.Fatal("versionBase must be deterministic for the same prefix")
	}
}

func TestVersionBaseLeavesRoomForFiveMigrations(t *testing.T) {
	base := versionBase("tenant_a_")
	// schemaMigrations assigns base+1 .. base+5; two prefixes must never
	// collide across that whole range.
	other := versionBase("tenant_b_")
	for i := int64(1); i <= 5; i++ {
		for j := int64(1); j <= 5; j++ {
			if base+i == other+j {
				t.Fatalf("migration version collision: tenant_a #%d == tenant_b #%d (%d)", i, j, base+i)
			}
		}
	}
}

func TestPrefixLockKeyIsStableAndDistinctPerPrefix(t *testing.T) {
	a := prefixLockKey("tenant_a_")
	b := prefixLockKey("tenant_b_")
	if a == b {
		t.Fatal("expected distinct advisory lock keys for different prefixes")
	}
	if prefixLockKey("tenant_a_") != a {
		t.Fatal("prefixLockKey must be deterministic for the same prefix")
	}
}
