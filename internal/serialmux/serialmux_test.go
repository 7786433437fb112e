package serialmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func drain(ch chan string) []string {
	var lines []string
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return lines
			}
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

func TestSerialMux_Subscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()

	if id1 == "" || id2 == "" {
		t.Fatal("Subscribe returned empty ID")
	}
	if id1 == id2 {
		t.Error("Subscription IDs should be unique")
	}
	if cap(ch1) != subscriberBuffer {
		t.Errorf("subscriber channel capacity = %d, want %d", cap(ch1), subscriberBuffer)
	}

	mux.mu.Lock()
	if len(mux.subscribers) != 2 {
		t.Errorf("Expected 2 subscribers, got %d", len(mux.subscribers))
	}
	mux.mu.Unlock()
}

func TestSerialMux_Unsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for channel closure")
	}

	// Should not panic
	mux.Unsubscribe(id)
	mux.Unsubscribe("non-existent-id")
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	for _, cmd := range []string{"gain=1.0", "trim=0.0\n", "?"} {
		if err := mux.SendCommand(cmd); err != nil {
			t.Errorf("SendCommand(%q) returned error: %v", cmd, err)
		}
	}

	want := "gain=1.0\ntrim=0.0\n?\n"
	if got := string(port.GetWrittenData()); got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestSerialMux_SendCommand_Errors(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	port.WriteError = errors.New("write failed")
	if err := mux.SendCommand("gain=1.0"); err == nil {
		t.Error("Expected error when write fails")
	}

	port.ShortWrites = true
	if err := mux.SendCommand("gain=1.0"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Expected ErrWriteFailed for partial write, got %v", err)
	}
}

func TestSerialMux_Monitor_FansOutInOrder(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("0.0,0.1,0.1\n0.1,0.2,0.2\n0.2,0.3,0.3\n"))
	mux := NewSerialMux(port)

	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	// the buffer reports EOF once drained, which ends Monitor cleanly
	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned error: %v", err)
	}

	want := []string{"0.0,0.1,0.1", "0.1,0.2,0.2", "0.2,0.3,0.3"}
	for i, ch := range []chan string{ch1, ch2} {
		got := drain(ch)
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("subscriber %d got %v, want %v", i, got, want)
		}
	}

	lines, dropped := mux.Stats()
	if lines != 3 || dropped != 0 {
		t.Errorf("Stats() = (%d, %d), want (3, 0)", lines, dropped)
	}
}

func TestSerialMux_Monitor_DropsWhenBacklogFull(t *testing.T) {
	port := NewTestableSerialPort()
	var sb strings.Builder
	for i := 0; i < subscriberBuffer+5; i++ {
		fmt.Fprintf(&sb, "%d,0,0\n", i)
	}
	port.AddReadData([]byte(sb.String()))
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned error: %v", err)
	}

	got := drain(ch)
	if len(got) != subscriberBuffer {
		t.Errorf("delivered %d lines, want %d", len(got), subscriberBuffer)
	}
	if got[0] != "0,0,0" {
		t.Errorf("first line = %q, want oldest line kept", got[0])
	}
	if _, dropped := mux.Stats(); dropped != 5 {
		t.Errorf("dropped = %d, want 5", dropped)
	}
}

func TestSerialMux_Monitor_ContextCancelled(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not exit after cancel")
	}
	// unblock the reader goroutine
	port.Close()
}

func TestSerialMux_Monitor_ReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("simulated read error")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	if err == nil || !strings.Contains(err.Error(), "simulated read error") {
		t.Errorf("Monitor returned %v, want simulated read error", err)
	}
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	id, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	for i, ch := range []chan string{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Errorf("Expected channel %d to be closed", i)
		}
	}
	if !port.Closed {
		t.Error("Expected port to be closed")
	}

	mux.mu.Lock()
	if !mux.closing {
		t.Error("Expected closing flag to be true after Close")
	}
	mux.mu.Unlock()

	// Unsubscribing after close should be safe
	mux.Unsubscribe(id)

	if _, late := mux.Subscribe(); late != nil {
		if _, ok := <-late; ok {
			t.Error("Subscribe after Close should return a closed channel")
		}
	}
}

func TestSerialMux_Monitor_LongAndCRLFLines(t *testing.T) {
	port := NewTestableSerialPort()
	long := `{"stamp":1,"vel_left":0.5,"vel_right":0.5,"pad":"` + strings.Repeat("x", 8000) + `"}`
	port.AddReadData([]byte("1.0,0.1,0.1\r\n" + long + "\n"))
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned error: %v", err)
	}
	got := drain(ch)
	if len(got) != 2 || got[0] != "1.0,0.1,0.1" || got[1] != long {
		t.Errorf("unexpected lines: got %d", len(got))
	}
}

func TestSerialMux_Monitor_EndOfInputClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("0.0,0.1,0.1\n0.1,0.2,0.2\n"))
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned error: %v", err)
	}

	var got []string
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case line, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, line)
		case <-timeout:
			t.Fatal("subscriber channel not closed at end of input")
		}
	}
	if len(got) != 2 {
		t.Errorf("received %v, want both lines before the close", got)
	}

	if _, late := mux.Subscribe(); late != nil {
		if _, ok := <-late; ok {
			t.Error("Subscribe after end of input should return a closed channel")
		}
	}
}

func TestBlockingSerialMux_WaitsForSlowSubscriber(t *testing.T) {
	port := NewTestableSerialPort()
	var sb strings.Builder
	const total = 4 * subscriberBuffer
	for i := 0; i < total; i++ {
		fmt.Fprintf(&sb, "%d,0,0\n", i)
	}
	port.AddReadData([]byte(sb.String()))
	mux := NewBlockingSerialMux(port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	var got []string
	for line := range ch {
		time.Sleep(50 * time.Microsecond)
		got = append(got, line)
	}
	if err := <-done; err != nil {
		t.Fatalf("Monitor returned error: %v", err)
	}

	if len(got) != total {
		t.Fatalf("received %d lines, want %d", len(got), total)
	}
	for i, line := range got {
		if want := fmt.Sprintf("%d,0,0", i); line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}
	if _, dropped := mux.Stats(); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestBlockingSerialMux_UnsubscribeReleasesMonitor(t *testing.T) {
	port := NewTestableSerialPort()
	var sb strings.Builder
	for i := 0; i < subscriberBuffer+10; i++ {
		fmt.Fprintf(&sb, "%d,0,0\n", i)
	}
	port.AddReadData([]byte(sb.String()))
	mux := NewBlockingSerialMux(port)
	id, _ := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	// the subscriber never reads, so Monitor stalls once the backlog is full
	deadline := time.Now().Add(2 * time.Second)
	for {
		if lines, _ := mux.Stats(); lines == subscriberBuffer+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Monitor did not fill the subscriber backlog")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("Monitor returned while the subscriber was full")
	case <-time.After(20 * time.Millisecond):
	}

	mux.Unsubscribe(id)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Monitor returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor still blocked after Unsubscribe")
	}
	if lines, dropped := mux.Stats(); lines != subscriberBuffer+10 || dropped != 0 {
		t.Errorf("Stats() = (%d, %d), want (%d, 0)", lines, dropped, subscriberBuffer+10)
	}
}

func TestBlockingSerialMux_ContextCancelReleasesMonitor(t *testing.T) {
	port := NewTestableSerialPort()
	var sb strings.Builder
	for i := 0; i < subscriberBuffer+10; i++ {
		fmt.Fprintf(&sb, "%d,0,0\n", i)
	}
	port.AddReadData([]byte(sb.String()))
	mux := NewBlockingSerialMux(port)
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(ch) < subscriberBuffer {
		if time.Now().After(deadline) {
			t.Fatal("Monitor did not fill the subscriber backlog")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor still blocked after cancel")
	}
}

func TestRandomID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := randomID()
		if len(id) != 16 { // 8 bytes hex encoded = 16 chars
			t.Errorf("Expected ID length 16, got %d", len(id))
		}
		if ids[id] {
			t.Errorf("Duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}
