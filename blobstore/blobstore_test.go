package blobstore

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"strings"
	"testing"
)

type storeHarness struct {
	store  *Store
	reopen func(t *testing.T) *Store
}

type storeFactory struct {
	name string
	new  func(t *testing.T, prefix string) storeHarness
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: newMemoryHarness},
		{name: "file", new: newFileHarness},
	}
}

func forEachStore(t *testing.T, prefix string, fn func(t *testing.T, h storeHarness)) {
	t.Helper()
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			fn(t, factory.new(t, prefix))
		})
	}
}

func newMemoryHarness(t *testing.T, prefix string) storeHarness {
	t.Helper()
	store := NewMemory(prefix)
	t.Cleanup(func() { _ = store.Close() })
	return storeHarness{
		store: store,
		reopen: func(t *testing.T) *Store {
			return New(store.Bucket(), prefix)
		},
	}
}

func newFileHarness(t *testing.T, prefix string) storeHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFile(context.Background(), dir, prefix)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return storeHarness{
		store: store,
		reopen: func(t *testing.T) *Store {
			t.Helper()
			reopened, err := NewFile(context.Background(), dir, prefix)
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			t.Cleanup(func() { _ = reopened.Close() })
			return reopened
		},
	}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 3, 2))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestObjectPath(t *testing.T) {
	s := NewMemory("/gallery/")
	defer s.Close()

	if got := s.Prefix(); got != "gallery" {
		t.Errorf("Prefix() = %q", got)
	}
	if got := s.ObjectPath("/cats/1.png"); got != "gallery/cats/1.png" {
		t.Errorf("ObjectPath = %q", got)
	}

	bare := NewMemory("")
	defer bare.Close()
	if got := bare.ObjectPath("a.png"); got != "a.png" {
		t.Errorf("ObjectPath without prefix = %q", got)
	}
}

func TestPutOpenAndAttributes(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, "img", func(t *testing.T, h storeHarness) {
		data := tinyPNG(t)

		attr, err := h.store.Put(ctx, "a.png", bytes.NewReader(data), "")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if attr.Size != int64(len(data)) {
			t.Errorf("Size = %d, want %d", attr.Size, len(data))
		}
		if attr.ContentType != "image/png" {
			t.Errorf("ContentType = %q, want sniffed image/png", attr.ContentType)
		}

		obj, err := h.store.OpenObject(ctx, "a.png")
		if err != nil {
			t.Fatalf("OpenObject: %v", err)
		}
		defer obj.Close()
		if obj.Size != int64(len(data)) {
			t.Errorf("object Size = %d", obj.Size)
		}
		got, err := io.ReadAll(obj)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("object body differs from what was put")
		}

		exists, err := h.store.Exists(ctx, "a.png")
		if err != nil || !exists {
			t.Errorf("Exists = %v, %v", exists, err)
		}
	})
}

func TestExplicitContentType(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, "", func(t *testing.T, h storeHarness) {
		attr, err := h.store.Put(ctx, "raw", strings.NewReader("zpix"), "application/x-zpix")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if attr.ContentType != "application/x-zpix" {
			t.Errorf("ContentType = %q", attr.ContentType)
		}
	})
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, "img", func(t *testing.T, h storeHarness) {
		if _, err := h.store.OpenObject(ctx, "missing.png"); !errors.Is(err, ErrNotFound) {
			t.Errorf("OpenObject missing: %v, want ErrNotFound", err)
		}
		if exists, err := h.store.Exists(ctx, "missing.png"); exists || err != nil {
			t.Errorf("Exists missing = %v, %v", exists, err)
		}
		if _, err := h.store.Attributes(ctx, "missing.png"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Attributes missing: %v, want ErrNotFound", err)
		}
		if err := h.store.Delete(ctx, "missing.png"); err != nil {
			t.Errorf("Delete missing: %v", err)
		}
	})
}

func TestReopenReadsExistingObject(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, "img", func(t *testing.T, h storeHarness) {
		data := tinyPNG(t)
		if _, err := h.store.Put(ctx, "keep.png", bytes.NewReader(data), ""); err != nil {
			t.Fatalf("Put: %v", err)
		}

		obj, err := h.reopen(t).OpenObject(ctx, "keep.png")
		if err != nil {
			t.Fatalf("OpenObject after reopen: %v", err)
		}
		got, err := io.ReadAll(obj)
		_ = obj.Close()
		if err != nil {
			t.Fatalf("read after reopen: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("reopened store returned different bytes")
		}
	})
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, "img", func(t *testing.T, h storeHarness) {
		for _, key := range []string{"cats/1.png", "cats/2.png", "dogs/1.png"} {
			if _, err := h.store.Put(ctx, key, bytes.NewReader(tinyPNG(t)), ""); err != nil {
				t.Fatalf("Put %s: %v", key, err)
			}
		}

		all, err := h.store.List(ctx, "")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("List returned %d objects, want 3", len(all))
		}

		cats, err := h.store.List(ctx, "cats/")
		if err != nil {
			t.Fatalf("List cats: %v", err)
		}
		if len(cats) != 2 || cats[0].Key != "cats/1.png" || cats[1].Key != "cats/2.png" {
			t.Errorf("List cats = %+v", cats)
		}

		if err := h.store.Delete(ctx, "cats/1.png"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		exists, err := h.store.Exists(ctx, "cats/1.png")
		if err != nil || exists {
			t.Errorf("Exists after delete = %v, %v", exists, err)
		}
	})
}
