package ws

import (
	"context"
	"testing"
	"time"
)

// The reader goroutine hands commands to the protocol loop over an
// unbuffered channel; once the loop has returned, only the connection
// context ending can unblock it.
func TestPostCmdGivesUpOnContextEnd(t *testing.T) {
	c := newClient(nil, nil, "test", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := make(chan bool, 1)
	go func() {
		result <- c.postCmd(ctx, wsCmd{action: "exit"})
	}()
	select {
	case delivered := <-result:
		if delivered {
			t.Error("post reported delivery with no receiver")
		}
	case <-time.After(time.Second):
		t.Fatal("postCmd still blocked after its context ended")
	}

	// with the loop receiving, delivery succeeds
	go func() { <-c.cmdChan }()
	if !c.postCmd(context.Background(), wsCmd{action: RequestTypeUnsub}) {
		t.Error("post failed with a receiver waiting")
	}
}
