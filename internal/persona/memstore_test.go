package persona

import (
	"context"
	"errors"
	"testing"
)

func TestMemStore_PutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	d := maya()
	if err := s.Put(ctx, &d); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d.ID == "" {
		t.Fatal("Put did not assign an ID")
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("Put did not set timestamps")
	}

	got, err := s.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != d.Name || len(got.Motivations) != 2 {
		t.Errorf("Get = %+v", got)
	}

	// Mutating the returned copy must not affect the stored persona.
	got.Motivations[0] = "changed"
	again, _ := s.Get(ctx, d.ID)
	if again.Motivations[0] != "save time" {
		t.Errorf("stored persona mutated through Get result: %v", again.Motivations)
	}
}

func TestMemStore_PutKeepsCreatedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	d := Descriptor{ID: "p1", Name: "A"}
	if err := s.Put(ctx, &d); err != nil {
		t.Fatal(err)
	}
	created := d.CreatedAt

	d.Name = "B"
	if err := s.Put(ctx, &d); err != nil {
		t.Fatal(err)
	}
	if !d.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created, d.CreatedAt)
	}
	got, _ := s.Get(ctx, "p1")
	if got.Name != "B" {
		t.Errorf("Name = %q, want B", got.Name)
	}
}

func TestMemStore_PutInvalid(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	d := Descriptor{}
	if err := s.Put(context.Background(), &d); err == nil {
		t.Fatal("expected validation error")
	}
	if d.ID != "" {
		t.Error("invalid descriptor should not receive an ID")
	}
}

func TestMemStore_GetMissing(t *testing.T) {
	t.Parallel()
	var s MemStore
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_DeleteAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var s MemStore

	for _, name := range []string{"Zoe", "Adam", "Mia"} {
		d := Descriptor{Name: name}
		if err := s.Put(ctx, &d); err != nil {
			t.Fatal(err)
		}
		if name == "Mia" {
			if err := s.Delete(ctx, d.ID); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "Adam" || list[1].Name != "Zoe" {
		t.Errorf("List = %+v", list)
	}
}
