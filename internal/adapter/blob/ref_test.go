package blob_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/domain"
)

func TestSumIsStable(t *testing.T) {
	t.Parallel()

	a := blob.Sum([]byte("hello\n"))
	b := blob.Sum([]byte("hello\n"))
	if a != b {
		t.Fatalf("same bytes produced different refs: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, blob.Scheme) {
		t.Fatalf("ref %q lacks scheme prefix", a)
	}
	if c := blob.Sum([]byte("hello")); c == a {
		t.Fatalf("different bytes produced the same ref %q", c)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	ref := blob.Sum([]byte("output"))
	digest, err := blob.Parse(ref)
	if err != nil {
		t.Fatalf("parse valid ref: %v", err)
	}
	if blob.Scheme+digest != ref {
		t.Fatalf("digest %q does not round-trip to %q", digest, ref)
	}

	for _, bad := range []string{
		"",
		"sha256:" + strings.Repeat("a", 64),
		blob.Scheme + "abc",
		blob.Scheme + strings.Repeat("z", 64),
	} {
		if _, err := blob.Parse(bad); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("parse %q: got %v, want ErrInvalidArgument", bad, err)
		}
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	data := []byte("exit 0\n")
	ref := blob.Sum(data)
	if !blob.Verify(ref, data) {
		t.Fatal("verify rejected matching bytes")
	}
	if blob.Verify(ref, []byte("exit 1\n")) {
		t.Fatal("verify accepted mismatched bytes")
	}
}
