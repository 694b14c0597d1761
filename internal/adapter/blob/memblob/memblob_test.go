package memblob_test

import (
	"context"
	"errors"
	"testing"

	"github.com/evalbox/evalbox/internal/adapter/blob/memblob"
	"github.com/evalbox/evalbox/internal/domain"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := memblob.New()
	ctx := context.Background()

	ref, err := s.Put(ctx, "eval-1", []byte("stdout line\n"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "stdout line\n" {
		t.Fatalf("got %q", got)
	}
}

func TestPutDeduplicatesByContent(t *testing.T) {
	t.Parallel()
	s := memblob.New()
	ctx := context.Background()

	ref1, err := s.Put(ctx, "eval-1", []byte("same output"))
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	ref2, err := s.Put(ctx, "eval-2", []byte("same output"))
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ for identical bytes: %q vs %q", ref1, ref2)
	}
	if s.Len() != 1 {
		t.Fatalf("stored %d blobs, want 1", s.Len())
	}
}

func TestPutEmptyOutput(t *testing.T) {
	t.Parallel()
	s := memblob.New()
	ctx := context.Background()

	// A program that prints nothing still gets a stored, retrievable output.
	ref, err := s.Put(ctx, "eval-1", nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := memblob.New()
	ctx := context.Background()

	ref, err := s.Put(ctx, "eval-1", []byte("a"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	other := ref[:len(ref)-1] + "0"
	if other == ref {
		other = ref[:len(ref)-1] + "1"
	}
	if _, err := s.Get(ctx, other); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	s := memblob.New()
	ctx := context.Background()

	if _, err := s.Put(ctx, "", []byte("x")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("put empty id: got %v, want ErrInvalidArgument", err)
	}
	if _, err := s.Get(ctx, "not-a-ref"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("get bad ref: got %v, want ErrInvalidArgument", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := memblob.New()
	ctx := context.Background()

	ref, err := s.Put(ctx, "eval-1", []byte("abc"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := s.Get(ctx, ref)
	got[0] = 'z'
	again, _ := s.Get(ctx, ref)
	if string(again) != "abc" {
		t.Fatalf("stored blob mutated through returned slice: %q", again)
	}
}
