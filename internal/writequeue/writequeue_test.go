package writequeue

import (
	"bytes"
	"testing"

	"github.com/ruistola/metaplaytest-netcore/internal/wireproto"
)

func TestEnqueueMessageThenAcquire(t *testing.T) {
	q := New()
	n, err := q.EnqueueMessage([]byte("hello"))
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes accepted, got %d", n)
	}

	item, ok := q.TryAcquireNext()
	if !ok {
		t.Fatal("expected an item")
	}
	if item.Kind != KindMessage {
		t.Fatalf("expected KindMessage, got %v", item.Kind)
	}
	if !bytes.Equal(item.Ref.Bytes(), []byte("hello")) {
		t.Fatalf("unexpected bytes: %q", item.Ref.Bytes())
	}
	q.ReleaseAcquired()
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := New()
	if err := q.EnqueueClose(nil); err != nil {
		t.Fatalf("EnqueueClose: %v", err)
	}
	if _, err := q.EnqueueMessage([]byte("x")); err != ErrCloseEnqueued {
		t.Fatalf("expected ErrCloseEnqueued, got %v", err)
	}
	if err := q.EnqueueClose(nil); err != ErrCloseEnqueued {
		t.Fatalf("expected ErrCloseEnqueued on double close, got %v", err)
	}
}

func TestEnqueueAfterDisposeFails(t *testing.T) {
	q := New()
	q.Dispose()
	if _, err := q.EnqueueMessage([]byte("x")); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestReturnAcquiredPutsItemBackAtHead(t *testing.T) {
	q := New()
	q.EnqueueMessage([]byte("first"))
	q.EnqueueMessage([]byte("second"))

	item, _ := q.TryAcquireNext()
	if string(item.Ref.Bytes()) != "first" {
		t.Fatalf("expected first, got %q", item.Ref.Bytes())
	}
	q.ReturnAcquired()

	item, _ = q.TryAcquireNext()
	if string(item.Ref.Bytes()) != "first" {
		t.Fatalf("expected first again after ReturnAcquired, got %q", item.Ref.Bytes())
	}
	q.ReleaseAcquired()
}

func TestFenceCompletesWhenConsumerClosesIt(t *testing.T) {
	q := New()
	done, err := q.EnqueueFence()
	if err != nil {
		t.Fatalf("EnqueueFence: %v", err)
	}
	select {
	case <-done:
		t.Fatal("fence completed before being drained")
	default:
	}

	item, ok := q.TryAcquireNext()
	if !ok || item.Kind != KindFence {
		t.Fatalf("expected fence item, got %+v, %v", item, ok)
	}
	close(item.FenceDone)

	select {
	case <-done:
	default:
		t.Fatal("fence should have completed")
	}
}

func TestLatencySamplePingPayload(t *testing.T) {
	q := New()
	if err := q.EnqueueLatencySamplePing64(7); err != nil {
		t.Fatalf("EnqueueLatencySamplePing64: %v", err)
	}
	item, ok := q.TryAcquireNext()
	if !ok {
		t.Fatal("expected item")
	}
	want := []byte{0xAB, 0xAB, 0x34, 0x12, 0x07, 0x00, 0x00, 0x00}
	if !bytes.Equal(item.Ref.Bytes(), want) {
		t.Fatalf("unexpected ping payload: % x, want % x", item.Ref.Bytes(), want)
	}
	if item.SampleID != 7 {
		t.Fatalf("expected sample id 7, got %d", item.SampleID)
	}
	q.ReleaseAcquired()
}

func TestEnqueueMessageRejectsOversized(t *testing.T) {
	q := New()
	if _, err := q.EnqueueMessage(make([]byte, wireproto.MaxUncompressedPayload+1)); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestCompressionToggle(t *testing.T) {
	q := New()
	q.SetCompressionEnabled(true)
	payload := bytes.Repeat([]byte{'q'}, wireproto.CompressionThreshold+10)
	if _, err := q.EnqueueMessage(payload); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	item, _ := q.TryAcquireNext()
	if len(item.Ref.Bytes()) >= len(payload) {
		t.Fatalf("expected compressed bytes to be smaller than input, got %d vs %d", len(item.Ref.Bytes()), len(payload))
	}
	q.ReleaseAcquired()
}

func TestNextAvailableFiresWhenNonEmpty(t *testing.T) {
	q := New()
	ch := q.NextAvailable()
	select {
	case <-ch:
		t.Fatal("should not be ready yet")
	default:
	}

	q.EnqueueMessage([]byte("x"))

	select {
	case <-ch:
	default:
		t.Fatal("expected NextAvailable channel to fire")
	}
}

func TestSharedBufferOnlyReturnsWhenEveryRefReleases(t *testing.T) {
	q := New()
	q.EnqueueMessage([]byte("first"))
	q.EnqueueMessage([]byte("second"))

	buf := q.currentBuffer
	if buf.refCount != 2 {
		t.Fatalf("expected refCount 2 after two small enqueues sharing a buffer, got %d", buf.refCount)
	}

	item1, ok := q.TryAcquireNext()
	if !ok || string(item1.Ref.Bytes()) != "first" {
		t.Fatalf("expected first item, got %+v, %v", item1, ok)
	}
	q.ReleaseAcquired()
	if buf.refCount != 1 {
		t.Fatalf("expected refCount 1 after releasing one of two refs, got %d", buf.refCount)
	}

	item2, ok := q.TryAcquireNext()
	if !ok {
		t.Fatal("expected second item still queued")
	}
	if string(item2.Ref.Bytes()) != "second" {
		t.Fatalf("shared buffer was mutated or returned early: got %q, want %q", item2.Ref.Bytes(), "second")
	}
	q.ReleaseAcquired()
	if buf.refCount != 0 {
		t.Fatalf("expected refCount 0 after releasing both refs, got %d", buf.refCount)
	}
}

func TestDisposeReleasesQueuedBuffersAndClosesFences(t *testing.T) {
	q := New()
	q.EnqueueMessage([]byte("a"))
	done, _ := q.EnqueueFence()
	q.Dispose()

	select {
	case <-done:
	default:
		t.Fatal("expected fence to complete on dispose")
	}
	if _, err := q.EnqueueMessage([]byte("b")); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed after dispose, got %v", err)
	}
}
