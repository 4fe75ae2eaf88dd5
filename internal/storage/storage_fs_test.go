package storage

import (
	"bytes"
	"io"
	"os"
	"path"
	"testing"

	"github.com/ije/gox/crypto/rand"
)

func TestFSStorage(t *testing.T) {
	root := path.Join(os.TempDir(), "storage_test_"+rand.Hex.String(8))
	fs, err := New(&StorageOptions{Endpoint: root})
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	if err := fs.Put("deps_temp/react.js", bytes.NewBufferString("export default 1")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Put("deps_temp/_manifest.json", bytes.NewBufferString("{}")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Put("../escape.js", bytes.NewBufferString("")); err == nil {
		t.Fatal("keys escaping the root should be rejected")
	}

	fi, err := fs.Stat("deps_temp/react.js")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 16 {
		t.Fatalf("invalid file size(%d), shoud be 16", fi.Size())
	}

	keys, err := fs.List("deps_temp/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("invalid keys count(%d), shoud be 2", len(keys))
	}

	// prefixes are cleaned, and cannot leave the root
	keys, err = fs.List("/deps_temp/../deps_temp//")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("invalid keys count(%d) of an unclean prefix, shoud be 2", len(keys))
	}
	if _, err := fs.DeleteAll("../"); err == nil {
		t.Fatal("deleting the root should be rejected")
	}

	keys, err = fs.List("missing/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("invalid keys count(%d), shoud be 0", len(keys))
	}

	// an old committed dir is replaced by the move
	if err := fs.Put("deps/old.js", bytes.NewBufferString("old")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Move("deps_temp", "deps"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("deps/old.js"); err != ErrNotFound {
		t.Fatal("old file should be removed by the move")
	}
	if _, err := fs.Stat("deps_temp"); err != ErrNotFound {
		t.Fatal("scratch dir should be gone after the move")
	}

	f, _, err := fs.Get("deps/react.js")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "export default 1" {
		t.Fatalf("invalid file content('%s')", string(data))
	}

	if err := fs.Move("nope", "deps"); err != ErrNotFound {
		t.Fatalf("moving a missing dir should fail with ErrNotFound, got %v", err)
	}

	deletedKeys, err := fs.DeleteAll("deps/")
	if err != nil {
		t.Fatal(err)
	}
	if len(deletedKeys) != 2 {
		t.Fatalf("invalid deleted keys count(%d), shoud be 2", len(deletedKeys))
	}
	if _, _, err := fs.Get("deps/react.js"); err != ErrNotFound {
		t.Fatal("file should be not existent")
	}
}
