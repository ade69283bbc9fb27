package main

import "testing"

func TestNormalizeWSURL(t *testing.T) {
	testCases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"ws://127.0.0.1:8790/ws", "ws://127.0.0.1:8790/ws", false},
		{"ws://127.0.0.1:8790", "ws://127.0.0.1:8790/ws", false},
		{"https://abc.devtunnels.ms/", "wss://abc.devtunnels.ms/ws", false},
		{"  example.com:443 ", "wss://example.com:443/ws", false},
		{"", "", true},
		{"ws://", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := normalizeWSURL(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("normalizeWSURL(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}
