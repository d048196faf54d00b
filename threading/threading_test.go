package threading

import (
	"context"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/rbaliyan/mailhost/store/memory"
)

func setupResolver(t *testing.T) (*Resolver, *memory.Store) {
	t.Helper()
	s := memory.New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return New(s), s
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello", "hello"},
		{"Re: Hello", "hello"},
		{"RE: Fwd: Hello   World ", "hello world"},
		{"Straße", "strasse"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeSubject(tt.in); got != tt.want {
				t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeMessageID(t *testing.T) {
	if got := NormalizeMessageID(" <ABC@Example.com> "); got != "abc@example.com" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeMessageID("<>"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestReferenceKeys(t *testing.T) {
	var h mail.Header
	h.Set("Message-Id", "<c@example.com>")
	h.Set("In-Reply-To", "<b@example.com>")
	h.Set("References", "<a@example.com> <b@example.com>")

	got := ReferenceKeys(h)
	want := []string{"b@example.com", "a@example.com", "b@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("reply joins thread", func(t *testing.T) {
		r, s := setupResolver(t)
		first, err := r.Resolve(ctx, "owner1", "Plans", []string{"<a@example.com>"})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		reply, err := r.Resolve(ctx, "owner1", "Re: Plans", []string{"<a@example.com>", "<b@example.com>"})
		if err != nil {
			t.Fatalf("resolve reply: %v", err)
		}
		if reply != first {
			t.Errorf("reply thread %s, want %s", reply, first)
		}
		// The reply's own id was added, so a later message referencing only it joins too.
		later, err := r.Resolve(ctx, "owner1", "RE: plans", []string{"<b@example.com>"})
		if err != nil {
			t.Fatalf("resolve later: %v", err)
		}
		if later != first {
			t.Errorf("later thread %s, want %s", later, first)
		}
		if n := s.ThreadCount(); n != 1 {
			t.Errorf("thread count = %d, want 1", n)
		}
	})

	t.Run("different subject starts new thread", func(t *testing.T) {
		r, s := setupResolver(t)
		a, _ := r.Resolve(ctx, "owner1", "Plans", []string{"<a@example.com>"})
		b, _ := r.Resolve(ctx, "owner1", "Other", []string{"<a@example.com>"})
		if a == b {
			t.Error("expected distinct threads")
		}
		if n := s.ThreadCount(); n != 2 {
			t.Errorf("thread count = %d, want 2", n)
		}
	})

	t.Run("owners do not share threads", func(t *testing.T) {
		r, _ := setupResolver(t)
		a, _ := r.Resolve(ctx, "owner1", "Plans", []string{"<a@example.com>"})
		b, _ := r.Resolve(ctx, "owner2", "Plans", []string{"<a@example.com>"})
		if a == b {
			t.Error("expected distinct threads for different owners")
		}
	})

	t.Run("no references falls back to subject", func(t *testing.T) {
		r, s := setupResolver(t)
		a, err := r.Resolve(ctx, "owner1", "Notice", nil)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		b, err := r.Resolve(ctx, "owner1", "notice", nil)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if a != b {
			t.Errorf("expected idempotent resolution, got %s and %s", a, b)
		}
		if n := s.ThreadCount(); n != 1 {
			t.Errorf("thread count = %d, want 1", n)
		}
	})

	t.Run("store not connected", func(t *testing.T) {
		r := New(memory.New())
		if _, err := r.Resolve(ctx, "owner1", "x", nil); err == nil {
			t.Error("expected error")
		}
	})
}
