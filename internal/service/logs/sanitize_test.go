package logs

import (
	"strings"
	"testing"
)

func TestSanitizeRedactsSecrets(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "anthropic style key",
			in:   "using key sk-ant1234567890abcdefghij for requests",
			want: "using key [REDACTED] for requests",
		},
		{
			name: "env assignment",
			in:   "export ANTHROPIC_API_KEY=abc123",
			want: "export [REDACTED]",
		},
		{
			name: "generic api key",
			in:   "api_key=supersecret done",
			want: "[REDACTED] done",
		},
		{
			name: "token colon",
			in:   "auth token:deadbeef",
			want: "auth [REDACTED]",
		},
		{
			name: "password",
			in:   "PASSWORD=hunter2",
			want: "[REDACTED]",
		},
		{
			name: "plain line untouched",
			in:   "compiling module internal/service",
			want: "compiling module internal/service",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Sanitize(tc.in)
			if got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if tc.in != tc.want && strings.Contains(got, "secret") {
				t.Errorf("secret material leaked through: %q", got)
			}
		})
	}
}
