package cache

import (
	"path/filepath"
	"testing"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			if err := provider.Put("v1", "/a", []byte("alpha")); err != nil {
				t.Fatal(err)
			}
			bytes, ok, err := provider.Get("v1", "/a")
			if err != nil || !ok {
				t.Fatalf("Get: ok=%v err=%v", ok, err)
			}
			if string(bytes) != "alpha" {
				t.Fatalf("Value is %q", bytes)
			}
			if _, ok, _ := provider.Get("v2", "/a"); ok {
				t.Fatal("Value leaked across namespaces")
			}
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			provider.Put("v1", "/a", []byte("one"))
			provider.Put("v1", "/a", []byte("two"))
			bytes, _, _ := provider.Get("v1", "/a")
			if string(bytes) != "two" {
				t.Fatalf("Value is %q", bytes)
			}
			keys, err := provider.Keys("v1")
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 1 {
				t.Fatalf("Keys are %v", keys)
			}
		})
	}
}

func TestNamespacesAndDelete(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			provider.Put("v1", "/a", []byte("a"))
			provider.Put("v2", "/a", []byte("a"))
			provider.Put(OfflineNamespace, "/offline.html", []byte("o"))

			namespaces, err := provider.Namespaces()
			if err != nil {
				t.Fatal(err)
			}
			if len(namespaces) != 3 {
				t.Fatalf("Namespaces are %v", namespaces)
			}

			if err := provider.DeleteNamespace("v1"); err != nil {
				t.Fatal(err)
			}
			if provider.Has("v1", "/a") {
				t.Fatal("Entry survived namespace deletion")
			}
			if !provider.Has("v2", "/a") {
				t.Fatal("Deletion leaked into another namespace")
			}
		})
	}
}

func TestPurgeAndHas(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			provider.Put("v1", "/a", []byte("a"))
			if !provider.Has("v1", "/a") {
				t.Fatal("Has is false after Put")
			}
			provider.Purge("v1", "/a")
			if provider.Has("v1", "/a") {
				t.Fatal("Has is true after Purge")
			}
			// purging a missing key is a no-op
			provider.Purge("v1", "/missing")
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			done := make(chan struct{})
			for i := 0; i < 10; i++ {
				go func() {
					defer func() { done <- struct{}{} }()
					for j := 0; j < 50; j++ {
						provider.Put("v1", "/hot", []byte("value"))
						provider.Get("v1", "/hot")
						provider.Has("v1", "/hot")
					}
				}()
			}
			for i := 0; i < 10; i++ {
				<-done
			}
			bytes, ok, err := provider.Get("v1", "/hot")
			if err != nil || !ok || string(bytes) != "value" {
				t.Fatalf("Final value: %q ok=%v err=%v", bytes, ok, err)
			}
		})
	}
}
