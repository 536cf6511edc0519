package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		contains []string
	}{
		{name: "blank", header: "  \t", contains: []string{unknownDevice}},
		{
			name:     "desktop chrome",
			header:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			contains: []string{"Chrome", "Windows"},
		},
		{
			name:     "android app webview",
			header:   "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			contains: []string{"Chrome", "Android"},
		},
		{
			name:     "mobile safari",
			header:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
			contains: []string{"iPhone"},
		},
		{
			name:     "command line client",
			header:   "curl/8.6.0",
			contains: []string{" on "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label := ParseUserAgent(tt.header)
			assert.NotEmpty(t, label)
			assert.Equal(t, strings.TrimSpace(label), label)
			assert.NotContains(t, label, "  ")
			for _, want := range tt.contains {
				assert.Contains(t, label, want)
			}
		})
	}
}
