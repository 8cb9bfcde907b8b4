package netutil

import "testing"

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Example.COM:443":      "example.com",
		" example.com. ":       "example.com",
		"[2001:db8::1]:8443":   "2001:db8::1",
		"2001:db8::1":          "2001:db8::1",
		"localhost:10443":      "localhost",
		"sub.test.EXAMPLE.com": "sub.test.example.com",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestIsIP(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{
		"149.154.167.51": true,
		"2001:db8::1":    true,
		"proxy.example":  false,
		"":               false,
	} {
		if got := IsIP(in); got != want {
			t.Fatalf("IsIP(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithDefaultPort(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"1.1.1.1":       "1.1.1.1:53",
		"1.1.1.1:5353":  "1.1.1.1:5353",
		"2001:db8::1":   "[2001:db8::1]:53",
		"[2001:db8::1]": "[2001:db8::1]:53",
		"dns.example":   "dns.example:53",
		"  ":            "",
	}
	for in, want := range tests {
		if got := WithDefaultPort(in, "53"); got != want {
			t.Fatalf("WithDefaultPort(%q) = %q, want %q", in, got, want)
		}
	}
}
