package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(5*time.Second, func() { order = append(order, "retry") })
	c.AfterFunc(3*time.Second, func() { order = append(order, "relogin") })

	c.Advance(2 * time.Second)
	if len(order) != 0 {
		t.Fatalf("fired early: %v", order)
	}
	c.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != "relogin" || order[1] != "retry" {
		t.Fatalf("order = %v", order)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d", c.Pending())
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeSleepWakesOnAdvance(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(2 * time.Second)
		close(done)
	}()

	c.WaitForPending(1)
	c.Advance(time.Second)
	select {
	case <-done:
		t.Fatal("woke before deadline")
	default:
	}
	c.Advance(time.Second)
	<-done

	if got := c.Now(); !got.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("Now = %v", got)
	}
}

func TestSleepContextWakesOnAdvance(t *testing.T) {
	c := Fake(epoch)
	errc := make(chan error, 1)
	go func() { errc <- SleepContext(context.Background(), c, time.Second) }()

	c.WaitForPending(1)
	c.Advance(time.Second)
	if err := <-errc; err != nil {
		t.Fatalf("SleepContext = %v", err)
	}
}

func TestSleepContextReturnsOnCancel(t *testing.T) {
	c := Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- SleepContext(ctx, c, time.Hour) }()

	c.WaitForPending(1)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("SleepContext = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SleepContext ignored cancellation")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after cancel, want timer stopped", c.Pending())
	}
}
