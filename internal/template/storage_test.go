package template

import (
	"testing"
)

func TestStorageSaveAndGet(t *testing.T) {
	store := newTestStorage(t)

	tpl := &Template{
		Name:    "welcome",
		Subject: "Welcome, {{.name}}",
		Text:    "Hi {{.name}}, thanks for joining {{.product}}.",
	}
	if err := store.Save(tpl); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.Get("welcome")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("template not found after save")
	}
	if got.Subject != tpl.Subject {
		t.Errorf("subject = %q, want %q", got.Subject, tpl.Subject)
	}
	if len(got.Variables) != 2 || got.Variables[0] != "name" || got.Variables[1] != "product" {
		t.Errorf("variables = %v, want [name product]", got.Variables)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestStorageSaveValidation(t *testing.T) {
	store := newTestStorage(t)

	tests := []struct {
		name string
		tpl  *Template
	}{
		{"empty name", &Template{Subject: "s", Text: "b"}},
		{"empty subject", &Template{Name: "t", Text: "b"}},
		{"no body", &Template{Name: "t", Subject: "s"}},
		{"bad syntax", &Template{Name: "t", Subject: "s", Text: "{{.x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Save(tt.tpl); err == nil {
				t.Error("expected save to fail")
			}
		})
	}
}

func TestStorageOverwriteKeepsCreatedAt(t *testing.T) {
	store := newTestStorage(t)

	if err := store.Save(&Template{Name: "n", Subject: "v1", Text: "b"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	first, _ := store.Get("n")

	if err := store.Save(&Template{Name: "n", Subject: "v2", Text: "b"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second, _ := store.Get("n")

	if second.Subject != "v2" {
		t.Errorf("subject = %q, want v2", second.Subject)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("overwrite changed created_at")
	}
}

func TestStorageListAndDelete(t *testing.T) {
	store := newTestStorage(t)

	for _, name := range []string{"alpha", "beta", "welcome-mail"} {
		if err := store.Save(&Template{Name: name, Subject: "s", Text: "b"}); err != nil {
			t.Fatalf("save %s failed: %v", name, err)
		}
	}

	all, err := store.List(ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list returned %d templates, want 3", len(all))
	}
	if all[0].Name != "alpha" {
		t.Errorf("first template = %q, want alpha (name order)", all[0].Name)
	}

	found, err := store.List(ListFilter{Search: "welcome"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(found) != 1 || found[0].Name != "welcome-mail" {
		t.Errorf("search returned %v", found)
	}

	limited, _ := store.List(ListFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 || limited[0].Name != "beta" {
		t.Errorf("limit/offset returned %v", limited)
	}

	deleted, err := store.Delete("beta")
	if err != nil || !deleted {
		t.Fatalf("delete failed: deleted=%v err=%v", deleted, err)
	}
	if deleted, _ := store.Delete("beta"); deleted {
		t.Error("second delete reported success")
	}
	if got, _ := store.Get("beta"); got != nil {
		t.Error("template still present after delete")
	}
}
