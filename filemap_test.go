// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

import (
	"fmt"
	"path/filepath"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/filemap/codec"
	"github.com/grailbio/testutil"
	"golang.org/x/sync/errgroup"
)

// openTestMap opens a string->string map in a temp dir, registering
// cleanup with t.
func openTestMap(t *testing.T, cfg Config[string, string]) *Map[string, string] {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "filemap")
	t.Cleanup(cleanup)
	m, err := Open(filepath.Join(dir, "test.map"), codec.String{}, codec.String{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestBasic(t *testing.T) {
	m := openTestMap(t, Config[string, string]{
		Segments:          1,
		EntriesPerSegment: 8,
		EntrySize:         64,
		Alignment:         1,
	})
	if _, had, err := m.Put("a", "1"); had || err != nil {
		t.Fatalf("put a: had=%v err=%v", had, err)
	}
	if _, had, err := m.Put("b", "2"); had || err != nil {
		t.Fatalf("put b: had=%v err=%v", had, err)
	}
	if v, ok := m.Get("a"); !ok || v != "1" {
		t.Errorf(`got %q, %v, want "1", true`, v, ok)
	}
	if got, want := m.Size(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if v, had := m.Remove("a"); !had || v != "1" {
		t.Errorf(`got %q, %v, want "1", true`, v, had)
	}
	if got, want := m.Size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	it := m.Iter()
	if !it.Next() {
		t.Fatal("iterator empty")
	}
	if k, v := it.Entry(); k != "b" || v != "2" {
		t.Errorf(`got (%q, %q), want ("b", "2")`, k, v)
	}
	if it.Next() {
		t.Error("iterator yielded more than one entry")
	}
	if err := m.CheckConsistency(); err != nil {
		t.Error(err)
	}
}

func TestOverwrite(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	m.Put("k", "v1")
	if prev, had, _ := m.Put("k", "v2"); !had || prev != "v1" {
		t.Errorf(`got %q, %v, want "v1", true`, prev, had)
	}
	if v, _ := m.Get("k"); v != "v2" {
		t.Errorf(`got %q, want "v2"`, v)
	}
	if got, want := m.Size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPutIfAbsent(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	if _, present, _ := m.PutIfAbsent("k", "v1"); present {
		t.Error("fresh key reported present")
	}
	if existing, present, _ := m.PutIfAbsent("k", "v2"); !present || existing != "v1" {
		t.Errorf(`got %q, %v, want "v1", true`, existing, present)
	}
	if v, _ := m.Get("k"); v != "v1" {
		t.Errorf(`got %q, want "v1"`, v)
	}
}

func TestRemove(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	if _, had := m.Remove("missing"); had {
		t.Error("removed a missing key")
	}
	m.Put("k", "v")
	m.Remove("k")
	if _, ok := m.Get("k"); ok {
		t.Error("key present after remove")
	}
}

func TestRemoveIf(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	m.Put("k", "v")
	if m.RemoveIf("k", "other") {
		t.Error("RemoveIf removed on value mismatch")
	}
	if v, ok := m.Get("k"); !ok || v != "v" {
		t.Errorf(`got %q, %v, want "v", true`, v, ok)
	}
	if !m.RemoveIf("k", "v") {
		t.Error("RemoveIf failed on matching value")
	}
	if _, ok := m.Get("k"); ok {
		t.Error("key present after RemoveIf")
	}
}

func TestReplace(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	if _, replaced, _ := m.Replace("k", "v"); replaced {
		t.Error("Replace succeeded on a missing key")
	}
	if _, ok := m.Get("k"); ok {
		t.Error("Replace of a missing key inserted it")
	}
	m.Put("k", "v")
	if prev, replaced, _ := m.Replace("k", "v2"); !replaced || prev != "v" {
		t.Errorf(`got %q, %v, want "v", true`, prev, replaced)
	}
	if v, _ := m.Get("k"); v != "v2" {
		t.Errorf(`got %q, want "v2"`, v)
	}
}

func TestReplaceIf(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	m.Put("k", "v")
	if ok, _ := m.ReplaceIf("k", "x", "y"); ok {
		t.Error("ReplaceIf succeeded on value mismatch")
	}
	if v, _ := m.Get("k"); v != "v" {
		t.Errorf(`got %q, want "v"`, v)
	}
	if ok, _ := m.ReplaceIf("k", "v", "y"); !ok {
		t.Error("ReplaceIf failed on matching value")
	}
	if v, _ := m.Get("k"); v != "y" {
		t.Errorf(`got %q, want "y"`, v)
	}
}

func TestContainsKeyAndClear(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	for i := 0; i < 100; i++ {
		m.Put(fmt.Sprintf("k%d", i), "v")
	}
	if !m.ContainsKey("k42") {
		t.Error("ContainsKey(k42) = false")
	}
	if m.ContainsKey("nope") {
		t.Error("ContainsKey(nope) = true")
	}
	m.Clear()
	if got, want := m.Size(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if m.ContainsKey("k42") {
		t.Error("key present after Clear")
	}
	if err := m.CheckConsistency(); err != nil {
		t.Error(err)
	}
	// The map must be fully usable after Clear.
	m.Put("k", "v")
	if v, ok := m.Get("k"); !ok || v != "v" {
		t.Errorf(`got %q, %v, want "v", true`, v, ok)
	}
}

// collideString pins every key's hash, forcing all keys into one
// segment with identical fingerprints, so lookups must walk the
// index's collision chain and compare keys.
type collideString struct{ codec.String }

func (collideString) Hash(string) uint64 { return 0x1234 }

func TestCollidingFingerprints(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "filemap")
	t.Cleanup(cleanup)
	m, err := Open(filepath.Join(dir, "test.map"), collideString{}, codec.String{},
		Config[string, string]{Segments: 4, EntriesPerSegment: 64, EntrySize: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	m.Put("k1", "v1")
	m.Put("k2", "v2")
	if v, ok := m.Get("k1"); !ok || v != "v1" {
		t.Errorf(`got %q, %v, want "v1", true`, v, ok)
	}
	if v, ok := m.Get("k2"); !ok || v != "v2" {
		t.Errorf(`got %q, %v, want "v2", true`, v, ok)
	}
	m.Remove("k1")
	if _, ok := m.Get("k1"); ok {
		t.Error("k1 present after remove")
	}
	if v, ok := m.Get("k2"); !ok || v != "v2" {
		t.Errorf(`got %q, %v, want "v2", true`, v, ok)
	}
	if err := m.CheckConsistency(); err != nil {
		t.Error(err)
	}
}

func TestConcurrentWriters(t *testing.T) {
	const n = 10000
	m := openTestMap(t, Config[string, string]{})
	var g errgroup.Group
	for w := 0; w < 2; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < n; i++ {
				key := fmt.Sprintf("writer%d-key%d", w, i)
				if _, _, err := m.Put(key, key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := m.LongSize(), int64(2*n); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for w := 0; w < 2; w++ {
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("writer%d-key%d", w, i)
			if v, ok := m.Get(key); !ok || v != key {
				t.Fatalf("key %s: got %q, %v", key, v, ok)
			}
		}
	}
	if err := m.CheckConsistency(); err != nil {
		t.Error(err)
	}
}

func TestPersistence(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "filemap")
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "test.map")
	cfg := Config[string, string]{Segments: 8, EntriesPerSegment: 128, EntrySize: 64}

	m, err := Open(path, codec.String{}, codec.String{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		m.Put(fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m, err = Open(path, codec.String{}, codec.String{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if got, want := m.Size(), 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 0; i < 100; i++ {
		if v, ok := m.Get(fmt.Sprintf("key%d", i)); !ok || v != fmt.Sprintf("value%d", i) {
			t.Fatalf("key%d: got %q, %v", i, v, ok)
		}
	}
	seen := 0
	for it := m.Iter(); it.Next(); {
		seen++
	}
	if got, want := seen, 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := m.CheckConsistency(); err != nil {
		t.Error(err)
	}
}

func TestGeometryMismatchOnReopen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "filemap")
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "test.map")
	m, err := Open(path, codec.String{}, codec.String{},
		Config[string, string]{Segments: 8, EntriesPerSegment: 128, EntrySize: 64})
	if err != nil {
		t.Fatal(err)
	}
	m.Close()
	_, err = Open(path, codec.String{}, codec.String{},
		Config[string, string]{Segments: 16, EntriesPerSegment: 128, EntrySize: 64})
	if err == nil {
		t.Fatal("reopen with different geometry succeeded")
	}
	if !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want a precondition error", err)
	}
}

// TestRandomOpsAgainstReference drives the map with random operations
// mirrored into a Go map, checking contents and invariants as it goes.
func TestRandomOpsAgainstReference(t *testing.T) {
	m := openTestMap(t, Config[string, string]{
		Segments:          4,
		EntriesPerSegment: 512,
		EntrySize:         32, // small blocks so values span several
	})
	var (
		fz   = fuzz.NewWithSeed(7).NumElements(1, 40)
		ref  = map[string]string{}
		keys []string
	)
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("key-%d", i))
	}
	for iter := 0; iter < 5000; iter++ {
		key := keys[iter%len(keys)]
		var value string
		fz.Fuzz(&value)
		switch iter % 5 {
		case 0, 1, 2:
			if _, _, err := m.Put(key, value); err != nil {
				t.Fatalf("iter %d: put: %v", iter, err)
			}
			ref[key] = value
		case 3:
			m.Remove(key)
			delete(ref, key)
		case 4:
			want, wantOk := ref[key]
			if v, ok := m.Get(key); ok != wantOk || v != want {
				t.Fatalf("iter %d: get %q: got %q, %v, want %q, %v", iter, key, v, ok, want, wantOk)
			}
		}
		if iter%500 == 0 {
			if err := m.CheckConsistency(); err != nil {
				t.Fatalf("iter %d: %v", iter, err)
			}
		}
	}
	if got, want := m.Size(), len(ref); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for k, want := range ref {
		if got, ok := m.Get(k); !ok || got != want {
			t.Errorf("key %q: got %q, %v, want %q", k, got, ok, want)
		}
	}
	if err := m.CheckConsistency(); err != nil {
		t.Error(err)
	}
}

func TestPutReturnsNull(t *testing.T) {
	m := openTestMap(t, Config[string, string]{PutReturnsNull: true, RemoveReturnsNull: true})
	m.Put("k", "v1")
	if prev, had, _ := m.Put("k", "v2"); had || prev != "" {
		t.Errorf("got %q, %v, want suppressed previous value", prev, had)
	}
	if v, _ := m.Get("k"); v != "v2" {
		t.Errorf(`got %q, want "v2"`, v)
	}
	if prev, had := m.Remove("k"); had || prev != "" {
		t.Errorf("got %q, %v, want suppressed removed value", prev, had)
	}
	if _, ok := m.Get("k"); ok {
		t.Error("key present after remove")
	}
}

type defaultValue struct{}

func (defaultValue) DefaultValue(key string, _ string) (string, bool) {
	if key == "nothing" {
		return "", false
	}
	return "default:" + key, true
}

func TestDefaultValueProvider(t *testing.T) {
	m := openTestMap(t, Config[string, string]{DefaultValue: defaultValue{}})
	if v, ok := m.Get("k"); !ok || v != "default:k" {
		t.Errorf(`got %q, %v, want "default:k", true`, v, ok)
	}
	// The provided value was inserted.
	if got, want := m.Size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := m.Get("nothing"); ok {
		t.Error("provider refusal still produced a value")
	}
	if got, want := m.Size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAcquireUsing(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	v, err := m.AcquireUsing("k", "initial")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "initial"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, ok := m.Get("k"); !ok || got != "initial" {
		t.Errorf("got %q, %v after acquire", got, ok)
	}
	// Acquire of a present key reads it.
	v, err = m.AcquireUsing("k", "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "initial"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAcquireWithoutFactory(t *testing.T) {
	m := openTestMap(t, Config[string, string]{})
	if _, err := m.Acquire("k"); err == nil {
		t.Fatal("Acquire without a factory succeeded")
	} else if !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want a precondition error", err)
	}
}

type stringFactory struct{}

func (stringFactory) New() string { return "fresh" }

func TestAcquireFactory(t *testing.T) {
	m := openTestMap(t, Config[string, string]{ValueFactory: stringFactory{}})
	v, err := m.Acquire("k")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "fresh"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, ok := m.Get("k"); !ok || got != "fresh" {
		t.Errorf("got %q, %v after acquire", got, ok)
	}
}

// event captures listener callbacks for verification.
type event struct {
	kind  string
	seg   int
	pos   int
	added bool
	key   string
	value string
}

type recordingListener struct{ events []event }

func (l *recordingListener) OnPut(seg, pos int, added bool, key, value string) {
	l.events = append(l.events, event{"put", seg, pos, added, key, value})
}

func (l *recordingListener) OnGet(seg, pos int, key, value string) {
	l.events = append(l.events, event{kind: "get", seg: seg, pos: pos, key: key, value: value})
}

func (l *recordingListener) OnRemove(seg, pos int, key, value string) {
	l.events = append(l.events, event{kind: "remove", seg: seg, pos: pos, key: key, value: value})
}

func (l *recordingListener) OnRelocation(seg, pos int) {
	l.events = append(l.events, event{kind: "relocation", seg: seg, pos: pos})
}

func TestListenerEvents(t *testing.T) {
	lis := &recordingListener{}
	m := openTestMap(t, Config[string, string]{
		Segments:          1,
		EntriesPerSegment: 64,
		EntrySize:         64,
		Listener:          lis,
	})
	m.Put("k", "v")
	m.Get("k")
	m.Put("k", "v2")
	m.Remove("k")
	kinds := make([]string, len(lis.events))
	for i, e := range lis.events {
		kinds[i] = e.kind
	}
	want := []string{"put", "get", "put", "remove"}
	if len(kinds) != len(want) {
		t.Fatalf("got events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got events %v, want %v", kinds, want)
		}
	}
	if lis.events[0].added != true || lis.events[2].added != false {
		t.Error("added flags wrong")
	}
	if lis.events[3].value != "v2" {
		t.Errorf("remove reported value %q, want \"v2\"", lis.events[3].value)
	}
}
