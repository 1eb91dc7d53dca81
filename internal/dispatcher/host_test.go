package dispatcher

import "testing"

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL   string
		expected string
	}{
		{"http://localhost:8080/hooks/trainpipe", "localhost:8080"},
		{"https://monitoring.example.com/callback", "monitoring.example.com"},
		{"https://hooks.example.com:8443/v1/events?token=abc", "hooks.example.com:8443"},
		{"http://10.0.0.5:9000/runs", "10.0.0.5:9000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractHost(tt.rawURL); got != tt.expected {
			t.Errorf("extractHost(%q) = %q, want %q", tt.rawURL, got, tt.expected)
		}
	}
}
