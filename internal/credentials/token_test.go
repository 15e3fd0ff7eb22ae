package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeBotToken(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"abc.def.ghi", "abc.def.ghi"},
		{"Bot abc.def.ghi", "abc.def.ghi"},
		{"bot   abc\n", "abc"},
		{`"abc"`, "abc"},
		{"botanical", "botanical"},
	}
	for _, c := range cases {
		if got := NormalizeBotToken(c.in); got != c.out {
			t.Fatalf("NormalizeBotToken(%q) = %q; want %q", c.in, got, c.out)
		}
	}
}

func TestFileTokenLoaderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("Bot first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader := NewFileTokenLoader(path)

	token, changed, err := loader.Load()
	if err != nil || !changed || token != "first" {
		t.Fatalf("first load = %q %v %v", token, changed, err)
	}
	token, changed, err = loader.Load()
	if err != nil || changed || token != "first" {
		t.Fatalf("second load = %q %v %v", token, changed, err)
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	token, changed, err = loader.Load()
	if err != nil || !changed || token != "second" {
		t.Fatalf("rotated load = %q %v %v", token, changed, err)
	}

	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("blank: %v", err)
	}
	if _, _, err := loader.Load(); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestSourceSetReportsChange(t *testing.T) {
	s := NewSource("Bot one")
	if s.Token() != "one" {
		t.Fatalf("token = %q", s.Token())
	}
	if s.Set("one") {
		t.Fatalf("same token must not report a change")
	}
	if !s.Set("two") || s.Token() != "two" {
		t.Fatalf("expected rotation to two")
	}
}

func TestResolvePrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := Resolve("inline", path); err != nil || got != "from-file" {
		t.Fatalf("Resolve with file = %q %v", got, err)
	}
	if got, err := Resolve("Bot inline", ""); err != nil || got != "inline" {
		t.Fatalf("Resolve inline = %q %v", got, err)
	}
	if _, err := Resolve("", ""); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if Redact("secret") != "***REDACTED*** (len=6)" || Redact("") != "" {
		t.Fatalf("unexpected redaction")
	}
}
