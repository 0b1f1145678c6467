package memblob

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/blob"
)

func TestPutGet(t *testing.T) {
	s := New("/audio")
	ctx := context.Background()

	obj, err := s.Put(ctx, "sessions/a/turns/b.mp3", []byte("mp3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.URL != "/audio/sessions/a/turns/b.mp3" {
		t.Errorf("URL = %q", obj.URL)
	}

	data, ct, err := s.Get(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "mp3" || ct != "audio/mpeg" {
		t.Errorf("Get = %q, %q", data, ct)
	}

	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Put(ctx, "", nil, ""); err == nil {
		t.Error("expected error for empty key")
	}
}
