package httpjob

import "testing"

func TestQueueFIFOByPriorityKey(t *testing.T) {
	var q Queue
	q.Push(Job{PriorityKey: 300, JobKey: "c", URL: "http://x/3"})
	q.Push(Job{PriorityKey: 100, JobKey: "a", URL: "http://x/1"})
	q.Push(Job{PriorityKey: 200, JobKey: "b", URL: "http://x/2"})

	var order []string
	for {
		j, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, j.JobKey)
	}

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestQueueLenAndEmptyPop(t *testing.T) {
	var q Queue
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue returned ok=true")
	}
	q.Push(Job{PriorityKey: 1, JobKey: "a"})
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}
