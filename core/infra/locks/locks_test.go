package locks

import (
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		raw     string
		want    Mode
		wantErr bool
	}{
		{"exclusive", ModeExclusive, false},
		{"  Shared ", ModeShared, false},
		{"EXCLUSIVE", ModeExclusive, false},
		{"write", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseMode(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMode(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMode(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestModeValid(t *testing.T) {
	if !ModeExclusive.Valid() || !ModeShared.Valid() {
		t.Fatalf("known modes reported invalid")
	}
	if Mode("write").Valid() {
		t.Fatalf("unknown mode reported valid")
	}
}

func TestLockExpired(t *testing.T) {
	now := time.Now().UTC()
	noDeadline := Lock{Resource: "repo", Agent: "a1"}
	if noDeadline.Expired(now.Add(1000 * time.Hour)) {
		t.Fatalf("lock without deadline must never expire")
	}
	leased := Lock{Resource: "repo", Agent: "a1", ExpiresAt: now.Add(time.Minute)}
	if leased.Expired(now) {
		t.Fatalf("lease not yet due reported expired")
	}
	if !leased.Expired(now.Add(time.Minute)) {
		t.Fatalf("lease at deadline must be expired")
	}
	if !leased.Expired(now.Add(2 * time.Minute)) {
		t.Fatalf("lease past deadline must be expired")
	}
}
