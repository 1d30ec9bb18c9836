package repos

import (
	"bytes"
	"strings"
	"testing"
)

func TestSlugFromSkipsBiasedBytes(t *testing.T) {
	// 232 and above would wrap onto the first 24 characters
	src := bytes.NewReader(append(
		[]byte{232, 255, 0, 57, 58, 231, 240, 1, 2, 3, 4, 5},
		bytes.Repeat([]byte{6}, 10)...,
	))
	got, err := slugFrom(src)
	if err != nil {
		t.Fatal(err)
	}
	if want := "1z1z234567"; got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestRandomSlugAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		s, err := RandomSlug()
		if err != nil {
			t.Fatal(err)
		}
		if len(s) != slugLen {
			t.Fatalf("want %d chars, got %q", slugLen, s)
		}
		for _, c := range s {
			if !strings.ContainsRune(slugAlphabet, c) {
				t.Fatalf("unexpected %q in %q", c, s)
			}
		}
	}
}
