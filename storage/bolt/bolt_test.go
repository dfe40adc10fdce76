package bolt

import (
	"sort"
	"testing"

	istorage "partikv/interface/storage"
	"partikv/lib/utils"
)

func startTestBackend(t *testing.T) istorage.Handle {
	t.Helper()
	b, err := Start(0, &istorage.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b
}

func TestStartRequiresDir(t *testing.T) {
	if _, err := Start(0, nil); err == nil {
		t.Error("start without dir should fail")
	}
	if _, err := Start(0, &istorage.Config{}); err == nil {
		t.Error("start with empty dir should fail")
	}
}

func TestGetPutDelete(t *testing.T) {
	b := startTestBackend(t)
	key := "users/" + utils.RandString(8)
	value := []byte(utils.RandString(16))

	if _, err := b.Get(key); err != istorage.ErrNotFound {
		t.Errorf("expected ErrNotFound, actual %v", err)
	}
	if err := b.Put(key, value); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := b.Get(key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !utils.BytesEquals(got, value) {
		t.Error("stored value mismatch")
	}
	if err := b.Delete(key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := b.Get(key); err != istorage.ErrNotFound {
		t.Error("deleted key should be not found")
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := Start(3, &istorage.Config{Dir: dir})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	key := "users/" + utils.RandString(8)
	value := []byte(utils.RandString(16))
	if err := b.Put(key, value); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := Start(3, &istorage.Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(key)
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if !utils.BytesEquals(got, value) {
		t.Error("value should survive reopen")
	}
}

func TestListBucket(t *testing.T) {
	b := startTestBackend(t)
	_ = b.Put("users/alice", []byte("1"))
	_ = b.Put("users/bob", []byte("2"))
	_ = b.Put("orders/1", []byte("3"))

	keys, err := b.ListBucket("users")
	if err != nil {
		t.Fatalf("list bucket failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "users/alice" || keys[1] != "users/bob" {
		t.Errorf("unexpected bucket keys: %v", keys)
	}
}

func TestFoldCopiesValues(t *testing.T) {
	b := startTestBackend(t)
	_ = b.Put("b/k1", []byte("v1"))
	_ = b.Put("b/k2", []byte("v2"))

	var values [][]byte
	_, err := b.Fold(func(key string, value []byte, acc interface{}) interface{} {
		values = append(values, value)
		return acc
	}, nil)
	if err != nil {
		t.Fatalf("fold failed: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 values, actual %d", len(values))
	}
	// 事务结束后仍可安全读取
	for _, v := range values {
		if len(v) != 2 {
			t.Error("folded values should be stable copies")
		}
	}
}

func TestEmptyAndDrop(t *testing.T) {
	b := startTestBackend(t)
	if !b.IsEmpty() {
		t.Error("fresh backend should be empty")
	}
	_ = b.Put("b/k", []byte("v"))
	if b.IsEmpty() {
		t.Error("backend with data should not be empty")
	}
	if err := b.Drop(); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if !b.IsEmpty() {
		t.Error("dropped backend should be empty")
	}
}
