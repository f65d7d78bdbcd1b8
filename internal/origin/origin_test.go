package origin

import "testing"

func TestPolicyAllowed(t *testing.T) {
	p := NewPolicy([]string{"https://studio.example.com/"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://app.localhost", true},
		{"http://my-mac.local:3000", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:8080", true},
		{"http://10.0.0.4", true},
		{"http://172.16.5.1", true},
		{"http://172.32.0.1", false},
		{"http://192.168.1.20:19000", true},
		{"http://169.254.10.10", true},
		{"http://[fd00::1]", true},
		{"https://studio.example.com", true},
		{"https://STUDIO.example.com", true},
		{"https://evil.example.com", false},
		{"http://8.8.8.8", false},
		{"http://localhost.evil.com", false},
		{"file://localhost", false},
		{"null", false},
		{"::::", false},
	}

	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			if got := p.Allowed(tc.origin); got != tc.want {
				t.Errorf("Allowed(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestNewPolicyIgnoresBlankEntries(t *testing.T) {
	p := NewPolicy([]string{"", "   "})
	if len(p.extra) != 0 {
		t.Errorf("extra = %v, want empty", p.extra)
	}
}
