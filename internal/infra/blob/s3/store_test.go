package s3

import (
	"context"
	"errors"
	"strings"
	"testing"

	"timestack/internal/blob/blobtest"
	"timestack/internal/blob/core"
)

func newMock(t *testing.T) (*Store, *MockTransport) {
	t.Helper()
	st, rt, err := NewMock(context.Background())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	return st, rt
}

func TestStoreContract(t *testing.T) {
	blobtest.Run(t, func(t *testing.T) core.Store {
		st, _ := newMock(t)
		return st
	})
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

func TestListFollowsContinuationTokens(t *testing.T) {
	st, rt := newMock(t)
	ctx := context.Background()
	for _, k := range []string{"p/1", "p/2", "p/3", "p/4", "p/5"} {
		if _, err := st.Put(ctx, k, strings.NewReader(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	infos, err := st.List(ctx, "p/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 5 || infos[4].Key != "p/5" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	if rt.Requests["GET list"] != 3 {
		t.Fatalf("expected 3 pages, got %d", rt.Requests["GET list"])
	}
}

func TestPutUsesConditionalWrite(t *testing.T) {
	st, rt := newMock(t)
	ctx := context.Background()
	if _, err := st.Put(ctx, "once", strings.NewReader("a"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := st.Put(ctx, "once", strings.NewReader("b"), core.PutOptions{})
	if !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if got := rt.Keys(); len(got) != 1 || got[0] != "once" {
		t.Fatalf("unexpected keys %v", got)
	}
	if st.Bucket() != "mock-bucket" || st.Driver() != core.DriverS3 {
		t.Fatalf("accessors: %s %s", st.Bucket(), st.Driver())
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	framed := "5;chunk-signature=abc\r\nhello\r\n6\r\n world\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"
	got, err := decodeAWSChunked([]byte(framed))
	if err != nil || string(got) != "hello world" {
		t.Fatalf("decode: %q %v", got, err)
	}
	if _, err := decodeAWSChunked([]byte("zz\r\n")); err == nil {
		t.Fatalf("expected error on bad size")
	}
}

func TestMapError(t *testing.T) {
	plain := errors.New("boom")
	if got := mapError(plain); got != plain {
		t.Fatalf("unrelated errors must pass through")
	}
}
