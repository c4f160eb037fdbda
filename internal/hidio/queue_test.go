package hidio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hid-io/gohidio/internal/hidio"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := hidio.NewQueue(4)

	a := []byte{0x01}
	b := []byte{0x02}
	if err := q.Enqueue(a); err != nil {
		t.Fatalf("Enqueue(a) error = %v", err)
	}
	if err := q.Enqueue(b); err != nil {
		t.Fatalf("Enqueue(b) error = %v", err)
	}

	got, ok := q.Dequeue()
	if !ok || !bytes.Equal(got, a) {
		t.Fatalf("first Dequeue() = %v, %t; want a", got, ok)
	}
	got, ok = q.Dequeue()
	if !ok || !bytes.Equal(got, b) {
		t.Fatalf("second Dequeue() = %v, %t; want b", got, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue() on empty queue returned a chunk")
	}
}

func TestQueuePeek(t *testing.T) {
	t.Parallel()

	q := hidio.NewQueue(2)

	if _, ok := q.Peek(); ok {
		t.Fatal("Peek() on empty queue returned a chunk")
	}

	head := []byte{0xAA, 0xBB}
	if err := q.Enqueue(head); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, ok := q.Peek()
	if !ok || !bytes.Equal(got, head) {
		t.Fatalf("Peek() = %v, %t; want head", got, ok)
	}
	// Peek does not dequeue.
	if q.Len() != 1 {
		t.Fatalf("Len() after Peek = %d, want 1", q.Len())
	}
}

func TestQueueOverflow(t *testing.T) {
	t.Parallel()

	q := hidio.NewQueue(1)
	if err := q.Enqueue([]byte{0x01}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !q.IsFull() {
		t.Fatal("IsFull() = false at capacity")
	}

	if err := q.Enqueue([]byte{0x02}); !errors.Is(err, hidio.ErrQueueFull) {
		t.Fatalf("Enqueue() on full queue error = %v, want ErrQueueFull", err)
	}

	// The rejected chunk was not stored; the head is intact.
	got, ok := q.Dequeue()
	if !ok || !bytes.Equal(got, []byte{0x01}) {
		t.Fatalf("Dequeue() = %v, %t; want original head", got, ok)
	}
}

func TestQueueClearAndCounters(t *testing.T) {
	t.Parallel()

	q := hidio.NewQueue(3)
	if q.Capacity() != 3 {
		t.Fatalf("Capacity() = %d, want 3", q.Capacity())
	}
	if !q.IsEmpty() {
		t.Fatal("new queue is not empty")
	}

	for i := 0; i < 3; i++ {
		if err := q.Enqueue([]byte{byte(i)}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	q.Clear()
	if !q.IsEmpty() || q.Len() != 0 {
		t.Fatalf("after Clear: Len() = %d, IsEmpty() = %t", q.Len(), q.IsEmpty())
	}

	// Capacity survives Clear.
	for i := 0; i < 3; i++ {
		if err := q.Enqueue([]byte{byte(i)}); err != nil {
			t.Fatalf("Enqueue(%d) after Clear error = %v", i, err)
		}
	}
}

func TestQueueDepthClamp(t *testing.T) {
	t.Parallel()

	q := hidio.NewQueue(0)
	if q.Capacity() != 1 {
		t.Fatalf("Capacity() = %d, want clamp to 1", q.Capacity())
	}
}
