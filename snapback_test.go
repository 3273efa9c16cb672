package snapback

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/stevegt/goadapt"
)

const testStoreDirPrefix = "snapback"

func mkbuf(s string) []byte {
	tmp := []byte(s)
	return tmp
}

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T, cfg *Config) *Store {
	var err error
	var dir string

	debug := os.Getenv("DEBUG")
	if debug == "1" {
		dir, err = ioutil.TempDir("", testStoreDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
		// automatically cleaned up
	}
	dir = filepath.Join(dir, "store")

	store, err := Create(dir, cfg)
	Ck(err)
	store, err = Open(dir)
	Ck(err)
	tassert(t, store != nil, "store is nil")

	return store
}

// mktree writes a source tree from a map of relpath -> content and
// returns its root.
func mktree(t *testing.T, files map[string]string) (root string) {
	root = filepath.Join(t.TempDir(), "src")
	for rel, content := range files {
		abs := filepath.Join(root, rel)
		err := os.MkdirAll(filepath.Dir(abs), 0755)
		Ck(err)
		err = os.WriteFile(abs, []byte(content), 0644)
		Ck(err)
	}
	if len(files) == 0 {
		err := os.MkdirAll(root, 0755)
		Ck(err)
	}
	return
}

// chtimesAll pins every mtime in the tree so fast-path tests are
// deterministic.
func chtimesAll(t *testing.T, root string, when time.Time) {
	err := filepath.Walk(root, func(abs string, info os.FileInfo, werr error) error {
		if werr != nil {
			return werr
		}
		return os.Chtimes(abs, when, when)
	})
	Ck(err)
}

func TestGetGID(t *testing.T) {
	n := GetGID()
	if n == 0 {
		t.Fatalf("oh no n is 0")
	}
}

func TestHash(t *testing.T) {
	val := mkbuf("somevalue")
	binhash, err := Hash("sha256", val)
	if err != nil {
		t.Fatal(err)
	}
	hexhash := bin2hex(binhash)
	expect := "70a524688ced8e45d26776fd4dc56410725b566cd840c044546ab30c4b499342"
	tassert(t, expect == hexhash, "expected %q got %q", expect, hexhash)

	binhash, err = Hash("sha512", val)
	if err != nil {
		t.Fatal(err)
	}
	hexhash = bin2hex(binhash)
	expect = "8e77e71abe427ced1c93d883aeeddfa57ce39b787f229caaf176fdd71353f3466d340a2cdb5a219c429c53ad37f2f144c7ce01b985b6b33e397c4b8fd1433cc3"
	tassert(t, expect == hexhash, "expected %q got %q", expect, hexhash)

	// blake3 output length sanity; the exact vector matters less than
	// the algo being wired at all
	binhash, err = Hash("blake3", val)
	if err != nil {
		t.Fatal(err)
	}
	tassert(t, len(binhash) == 32, "blake3 digest length %d", len(binhash))

	_, err = Hash("foobar", val)
	if err == nil {
		t.Fatal("expected error, received none")
	}
}

func TestCreateOpen(t *testing.T) {
	store := setup(t, nil)
	tassert(t, store.Depth == 2, "default depth %d", store.Depth)
	tassert(t, store.Algo == "sha256", "default algo %s", store.Algo)
	tassert(t, store.Poly != 0, "poly is zero")

	// a second Create in the same (now non-empty) dir must refuse
	_, err := Create(store.Dir, nil)
	if _, ok := err.(*ExistsError); !ok {
		t.Fatalf("expected ExistsError, got %v", err)
	}

	// opening a random dir is not a store
	_, err = Open(t.TempDir())
	if _, ok := err.(*NotStoreError); !ok {
		t.Fatalf("expected NotStoreError, got %v", err)
	}
}
