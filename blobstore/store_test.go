package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"local":  local,
	}
}

func TestStore_PutOpenRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := []byte("snapshot bytes")
			if err := s.Put(ctx, "tables/t0.snap", want); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			r, err := s.Open(ctx, "tables/t0.snap")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if err := r.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if string(got) != string(want) {
				t.Errorf("Read %q, want %q", got, want)
			}
		})
	}
}

func TestStore_OpenMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Open(context.Background(), "nope")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Open missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_PutReplaces(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Put(ctx, "m", []byte("old"))
			s.Put(ctx, "m", []byte("new"))

			r, err := s.Open(ctx, "m")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer r.Close()
			got, _ := io.ReadAll(r)
			if string(got) != "new" {
				t.Errorf("Read %q after replace", got)
			}
		})
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Put(ctx, "a/1", []byte("x"))
			s.Put(ctx, "a/2", []byte("y"))
			s.Put(ctx, "b/1", []byte("z"))

			names, err := s.List(ctx, "a/")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(names) != 2 || names[0] != "a/1" || names[1] != "a/2" {
				t.Fatalf("List = %v", names)
			}

			if err := s.Delete(ctx, "a/1"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := s.Delete(ctx, "a/1"); err != nil {
				t.Errorf("Deleting a missing blob must not fail: %v", err)
			}
			if _, err := s.Open(ctx, "a/1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Open deleted = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLocalStore_RejectsEscapingNames(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	for _, name := range []string{"../evil", "/abs", "a/../../evil"} {
		if err := s.Put(context.Background(), name, []byte("x")); err == nil {
			t.Errorf("Put(%q) accepted", name)
		}
	}
}
