package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStreamPreservesOrder(t *testing.T) {
	s := New()
	for i := range 100 {
		if err := s.Send(fmt.Sprint(i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	s.Close()

	i := 0
	for ev := range s.Events(context.Background()) {
		if ev.Kind != EventToken || ev.Data != fmt.Sprint(i) {
			t.Fatalf("event %d: got %+v", i, ev)
		}
		i++
	}
	if i != 100 {
		t.Fatalf("expected 100 events, got %d", i)
	}
}

func TestStreamSendAfterClose(t *testing.T) {
	s := New()
	s.Close()
	s.Close()
	if err := s.Send("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Fail("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	ev, err := s.Next(context.Background())
	if err != nil || ev.Kind != EventEnd {
		t.Fatalf("expected end event, got %+v %v", ev, err)
	}
}

func TestStreamFailEmitsSingleErrorThenEnd(t *testing.T) {
	s := New()
	_ = s.Send("partial")
	if err := s.Fail("Error: model unavailable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	var got []Event
	for ev := range s.Events(context.Background()) {
		got = append(got, ev)
	}
	if len(got) != 2 || got[1].Kind != EventError || got[1].Data != "Error: model unavailable" {
		t.Fatalf("unexpected events %+v", got)
	}
	if !s.Closed() {
		t.Fatal("expected closed stream")
	}
}

func TestStreamConsumerWaitsForProducer(t *testing.T) {
	s := New()
	go func() {
		for _, tok := range []string{"a", "b", "c"} {
			time.Sleep(time.Millisecond)
			_ = s.Send(tok)
		}
		s.Close()
	}()
	var out string
	for ev := range s.Events(context.Background()) {
		out += ev.Data
	}
	if out != "abc" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStreamNextHonoursContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
