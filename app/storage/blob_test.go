package storage

import (
	"bytes"
	"testing"

	"scene-forge/app/config"
)

func newTestStore(t *testing.T) *LocalBlobStore {
	t.Helper()

	store, err := NewLocalBlobStore(config.StorageConfig{
		ArtifactDir: t.TempDir(),
		BaseURL:     "/artifacts/",
	})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	url, err := store.Put("projects/1/scripts/chunk-000.json", []byte(`{"scenes":[]}`))
	if err != nil {
		t.Fatalf("Put 失败: %v", err)
	}
	if url != "/artifacts/projects/1/scripts/chunk-000.json" {
		t.Errorf("URL = %s", url)
	}

	data, err := store.Get("projects/1/scripts/chunk-000.json")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if !bytes.Equal(data, []byte(`{"scenes":[]}`)) {
		t.Errorf("读回内容 = %q", data)
	}
	if !store.Exists("projects/1/scripts/chunk-000.json") {
		t.Error("Exists 应为 true")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put("key.bin", []byte("v1")); err != nil {
		t.Fatalf("第一次 Put 失败: %v", err)
	}
	if _, err := store.Put("key.bin", []byte("v1")); err != nil {
		t.Fatalf("重复 Put 失败: %v", err)
	}
	data, _ := store.Get("key.bin")
	if string(data) != "v1" {
		t.Errorf("内容 = %q", data)
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	store := newTestStore(t)

	for _, key := range []string{"../escape.bin", "a/../../escape.bin", "/abs.bin", "."} {
		if _, err := store.Put(key, []byte("x")); err == nil {
			t.Errorf("key %q 应当被拒绝", key)
		}
		if store.Exists(key) {
			t.Errorf("key %q 不应存在", key)
		}
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	store := newTestStore(t)

	if err := store.Delete("not-there.bin"); err != nil {
		t.Errorf("删除不存在的产物不应报错: %v", err)
	}

	store.Put("there.bin", []byte("x"))
	if err := store.Delete("there.bin"); err != nil {
		t.Fatalf("Delete 失败: %v", err)
	}
	if store.Exists("there.bin") {
		t.Error("删除后仍然存在")
	}
}
