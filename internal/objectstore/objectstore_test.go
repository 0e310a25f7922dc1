package objectstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Stub struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (s *s3Stub) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.inputs = append(s.inputs, in)
	s.bodies = append(s.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	stub := &s3Stub{}
	store, err := NewS3Store(stub, "energy-bucket", "/prod/")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Put(context.Background(), "aggregated-data/d1/2024/05/01/10.json", []byte(`{"a":1}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(stub.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(stub.inputs))
	}
	in := stub.inputs[0]
	if *in.Bucket != "energy-bucket" || *in.Key != "prod/aggregated-data/d1/2024/05/01/10.json" {
		t.Fatalf("unexpected target %s/%s", *in.Bucket, *in.Key)
	}
	if *in.ContentType != "application/json" || string(stub.bodies[0]) != `{"a":1}` {
		t.Fatalf("unexpected content %q %q", *in.ContentType, stub.bodies[0])
	}
}

func TestS3Store_PutError(t *testing.T) {
	cause := errors.New("access denied")
	store, _ := NewS3Store(&s3Stub{err: cause}, "b", "")
	if err := store.Put(context.Background(), "k", nil, ""); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if err := store.Put(context.Background(), " ", nil, ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected empty key, got %v", err)
	}
}

func TestFilesystemStore_OverwritesAtomically(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	key := "aggregated-data/site%2Fa/2024/05/01/10.json"
	if err := store.Put(ctx, key, []byte("v1"), ""); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := store.Put(ctx, key, []byte("v2"), ""); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	body, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "v2" {
		t.Fatalf("expected overwrite, got %q", body)
	}
}

func TestFilesystemStore_RejectsEscapingKeys(t *testing.T) {
	store, _ := NewFilesystemStore(t.TempDir())
	if err := store.Put(context.Background(), "../outside.json", []byte("x"), ""); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

func TestMemoryStore_CopiesBody(t *testing.T) {
	store := NewMemoryStore()
	body := []byte("abc")
	_ = store.Put(context.Background(), "k", body, "text/plain")
	body[0] = 'x'
	obj, ok := store.Get("k")
	if !ok || string(obj.Body) != "abc" || obj.ContentType != "text/plain" {
		t.Fatalf("unexpected object %+v", obj)
	}
	if keys := store.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
