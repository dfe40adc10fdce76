package utils

import "testing"

func TestEquals(t *testing.T) {
	if !Equals("a", "a") || Equals("a", "b") {
		t.Error("string equality broken")
	}
	if !Equals([]byte("ab"), []byte("ab")) {
		t.Error("byte slices with same content should be equal")
	}
	if Equals([]byte("ab"), []byte("ac")) {
		t.Error("different byte slices should not be equal")
	}
	if Equals([]byte("ab"), "ab") {
		t.Error("mixed types should not be equal")
	}
}

func TestBytesEquals(t *testing.T) {
	if !BytesEquals(nil, nil) {
		t.Error("nil slices should be equal")
	}
	if BytesEquals(nil, []byte{}) {
		t.Error("nil and empty should differ")
	}
	if !BytesEquals([]byte("abc"), []byte("abc")) {
		t.Error("same content should be equal")
	}
	if BytesEquals([]byte("abc"), []byte("abd")) {
		t.Error("different content should not be equal")
	}
}

func TestRandString(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		s := RandString(10)
		if len(s) != 10 {
			t.Errorf("expected length 10, actual %d", len(s))
		}
		seen[s] = struct{}{}
	}
	if len(seen) < 90 {
		t.Errorf("random strings should rarely collide, got %d distinct", len(seen))
	}
}
