package ble

import (
	"sync"
	"testing"
	"time"
)

func TestDispatchQueue_RunsInOrder(t *testing.T) {
	q := NewDispatchQueue("test", nil)
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Async(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
	}
	flush(q)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestDispatchQueue_AsyncDoesNotBlock(t *testing.T) {
	q := NewDispatchQueue("test", nil)
	defer q.Close()

	release := make(chan struct{})
	q.Async(func() { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Async(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Async blocked behind a running task")
	}
	close(release)
}

func TestDispatchQueue_CloseDrains(t *testing.T) {
	q := NewDispatchQueue("test", nil)

	ran := 0
	for i := 0; i < 10; i++ {
		q.Async(func() { ran++ })
	}
	q.Close()

	if ran != 10 {
		t.Errorf("ran %d tasks before close returned, want 10", ran)
	}
	if q.Async(func() {}) {
		t.Error("Async after Close should report false")
	}
	if q.Sync(func() {}) {
		t.Error("Sync after Close should report false")
	}
}

func TestDispatchQueue_RecoversPanics(t *testing.T) {
	q := NewDispatchQueue("test", nil)
	defer q.Close()

	q.Async(func() { panic("boom") })
	ran := false
	q.Sync(func() { ran = true })
	if !ran {
		t.Error("Queue stopped after a panicking task")
	}
}
