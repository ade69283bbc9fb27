package util

import "testing"

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCandidateKeyStable(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	line := "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"

	a := CandidateKey(line, &mid, &idx)
	b := CandidateKey(line, &mid, &idx)
	if a != b {
		t.Fatalf("same input produced different keys: %s vs %s", a, b)
	}
}

func TestCandidateKeyDistinguishesMedia(t *testing.T) {
	line := "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"
	mid0, mid1 := "0", "1"
	idx0, idx1 := uint16(0), uint16(1)

	keys := map[string]string{
		"mid0":   CandidateKey(line, &mid0, &idx0),
		"mid1":   CandidateKey(line, &mid1, &idx1),
		"no mid": CandidateKey(line, nil, nil),
		"other":  CandidateKey(line+" generation 0", &mid0, &idx0),
	}

	seen := make(map[string]string)
	for name, key := range keys {
		if prev, dup := seen[key]; dup {
			t.Errorf("%s and %s collided on key %s", name, prev, key)
		}
		seen[key] = name
	}
}
