package engine

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func eachStorage(t *testing.T, f func(t *testing.T, s storage)) {
	t.Run("mem", func(t *testing.T) {
		f(t, newMemStorage())
	})
	t.Run("bolt", func(t *testing.T) {
		s := must(openBoltStorage(filepath.Join(t.TempDir(), "test.db"), &Options{IsTesting: true}))
		t.Cleanup(func() { s.Close() })
		f(t, s)
	})
}

func TestStorage_BucketsAndSequence(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		wtx := must(s.BeginTx(true))
		data := must(wtx.CreateBucket("store/a", dataSubBucket))
		ensure(data.Put([]byte("k1"), []byte("v1")))
		root := wtx.Bucket("store/a", "")
		if root == nil {
			t.Fatalf("root bucket not created along with nested one")
		}
		if seq := must(root.NextSequence()); seq != 1 {
			t.Errorf("** NextSequence = %d, wanted 1", seq)
		}
		ensure(root.SetSequence(10))
		ensure(wtx.Commit())

		rtx := must(s.BeginTx(false))
		if got := rtx.Bucket("store/a", dataSubBucket).Get([]byte("k1")); string(got) != "v1" {
			t.Errorf("** Get = %q, wanted v1", got)
		}
		if seq := rtx.Bucket("store/a", "").Sequence(); seq != 10 {
			t.Errorf("** Sequence = %d, wanted 10", seq)
		}
		if rtx.Bucket("store/missing", "") != nil {
			t.Errorf("** missing bucket is non-nil")
		}
		ensure(rtx.Rollback())

		wtx = must(s.BeginTx(true))
		ensure(wtx.DeleteBucket("store/a", ""))
		if err := wtx.DeleteBucket("store/a", ""); !errors.Is(err, ErrBucketNotFound) {
			t.Errorf("** second DeleteBucket = %v, wanted ErrBucketNotFound", err)
		}
		ensure(wtx.Commit())

		rtx = must(s.BeginTx(false))
		defer rtx.Rollback()
		if rtx.Bucket("store/a", dataSubBucket) != nil {
			t.Errorf("** nested bucket survived deletion of its root")
		}
	})
}

func TestStorage_RollbackDiscardsWrites(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		wtx := must(s.BeginTx(true))
		ensure(must(wtx.CreateBucket("b", "")).Put([]byte("k"), []byte("v")))
		ensure(wtx.Rollback())

		rtx := must(s.BeginTx(false))
		defer rtx.Rollback()
		if rtx.Bucket("b", "") != nil {
			t.Errorf("** bucket created by rolled back tx is visible")
		}
	})
}

func TestStorage_KeyCountIgnoresNestedBuckets(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		wtx := must(s.BeginTx(true))
		defer wtx.Rollback()
		must(wtx.CreateBucket("store/a", dataSubBucket))
		must(wtx.CreateBucket("store/a", indexBucketName("byName")))
		root := wtx.Bucket("store/a", "")
		ensure(root.Put([]byte("x"), []byte("1")))
		if n := root.KeyCount(); n != 1 {
			t.Errorf("** KeyCount = %d, wanted 1", n)
		}
		var keys []string
		c := root.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		deepEqual(t, keys, []string{"x"})
	})
}

func TestRawRange_Cursor(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		wtx := must(s.BeginTx(true))
		b := must(wtx.CreateBucket("b", ""))
		for i := 1; i <= 5; i++ {
			ensure(b.Put(must(EncodeKey(i)), []byte{byte('0' + i)}))
		}
		ensure(wtx.Commit())

		rtx := must(s.BeginTx(false))
		defer rtx.Rollback()
		b = rtx.Bucket("b", "")

		scan := func(r *KeyRange, reverse bool) string {
			t.Helper()
			rr := must(r.raw())
			c := b.Cursor()
			var buf bytes.Buffer
			for k, v := rr.first(c, reverse); k != nil; k, v = rr.next(c, reverse) {
				buf.Write(v)
			}
			return buf.String()
		}

		tests := []struct {
			r       *KeyRange
			forward string
			reverse string
		}{
			{nil, "12345", "54321"},
			{Only(3), "3", "3"},
			{Only(7), "", ""},
			{LowerBound(2, false), "2345", "5432"},
			{LowerBound(2, true), "345", "543"},
			{UpperBound(4, false), "1234", "4321"},
			{UpperBound(4, true), "123", "321"},
			{Bound(2, 4, true, true), "3", "3"},
			{Bound(0, 10, false, false), "12345", "54321"},
			{LowerBound("a", false), "", ""},
		}
		for _, tt := range tests {
			if got := scan(tt.r, false); got != tt.forward {
				t.Errorf("** forward %v = %q, wanted %q", tt.r, got, tt.forward)
			}
			if got := scan(tt.r, true); got != tt.reverse {
				t.Errorf("** reverse %v = %q, wanted %q", tt.r, got, tt.reverse)
			}
		}
	})
}

func TestRawRange_AfterReseeks(t *testing.T) {
	eachStorage(t, func(t *testing.T, s storage) {
		wtx := must(s.BeginTx(true))
		defer wtx.Rollback()
		b := must(wtx.CreateBucket("b", ""))
		for i := 1; i <= 5; i++ {
			ensure(b.Put(must(EncodeKey(i)), []byte{byte('0' + i)}))
		}
		rr := must(Bound(1, 5, false, false).raw())

		// deleting the current key must not derail iteration
		last := must(EncodeKey(3))
		ensure(b.Delete(last))

		_, v := rr.after(b.Cursor(), last, false)
		if string(v) != "4" {
			t.Errorf("** after(3) forward = %q, wanted 4", v)
		}
		_, v = rr.after(b.Cursor(), last, true)
		if string(v) != "2" {
			t.Errorf("** after(3) reverse = %q, wanted 2", v)
		}
		_, v = rr.after(b.Cursor(), must(EncodeKey(5)), false)
		if v != nil {
			t.Errorf("** after(5) forward = %q, wanted nil", v)
		}
		_, v = rr.after(b.Cursor(), must(EncodeKey(1)), true)
		if v != nil {
			t.Errorf("** after(1) reverse = %q, wanted nil", v)
		}
	})
}

func TestInc(t *testing.T) {
	tests := []struct {
		in, out []byte
		ok      bool
	}{
		{[]byte{0x00}, []byte{0x01}, true},
		{[]byte{0x01, 0xFF}, []byte{0x02, 0x00}, true},
		{[]byte{0xFF, 0xFF}, []byte{0xFF, 0xFF}, false},
	}
	for _, tt := range tests {
		b := clone(tt.in)
		ok := inc(b)
		if ok != tt.ok || !bytes.Equal(b, tt.out) {
			t.Errorf("** inc(%x) = %x, %v; wanted %x, %v", tt.in, b, ok, tt.out, tt.ok)
		}
	}
}
