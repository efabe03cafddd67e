package telemetry

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	t.Parallel()

	digest := strings.Repeat("ab", 64)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "  ", want: ""},
		{name: "inline key", in: "apikey=abc123 rejected", want: "apikey=<redacted> rejected"},
		{name: "query key", in: "GET /ident?api_key=s3cr3t&x=1", want: "GET /ident?api_key=<redacted>&x=1"},
		{name: "json key", in: `{"apikey":"raw"}`, want: `{"apikey":"<redacted>"}`},
		{name: "bearer", in: "Authorization Bearer abc.def", want: "Authorization bearer <redacted>"},
		{name: "digest", in: "header " + digest, want: "header <digest>"},
		{name: "plain", in: "create check POST /checks: status 500", want: "create check POST /checks: status 500"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Redact(tt.in); got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactTruncates(t *testing.T) {
	t.Parallel()

	got := Redact(strings.Repeat("x", 2000))
	if len(got) != maxRedactedBytes {
		t.Fatalf("len = %d, want %d", len(got), maxRedactedBytes)
	}
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("missing truncation marker: %q", got[len(got)-20:])
	}
}
