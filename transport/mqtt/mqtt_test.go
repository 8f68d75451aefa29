package mqtt

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestSession_SerialDelivery(t *testing.T) {
	defer leaktest.Check(t)()

	s := NewSession("localhost", 8883, WithCredentials("dev1", "u", "p"))

	got := make([]string, 0, 3)
	done := make(chan struct{})
	s.SetOnReceiveListener(func(topic string, payload []byte) {
		got = append(got, topic+":"+string(payload)) // no locking needed: single listener goroutine
		if len(got) == 3 {
			close(done)
		}
	})

	s.wg.Add(1)
	go s.listen()

	for _, m := range []inboundMessage{
		{topic: "t/1", payload: []byte("a")},
		{topic: "t/2", payload: []byte("b")},
		{topic: "t/3", payload: []byte("c")},
	} {
		s.inbound <- m
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	s.Disconnect(true)

	want := []string{"t/1:a", "t/2:b", "t/3:c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestSession_NotConnectedErrors(t *testing.T) {
	t.Parallel()

	s := NewSession("localhost", 8883)
	if err := s.SendMessage("t", []byte("x"), 0); err == nil {
		t.Error("SendMessage on unconnected session succeeded")
	}
	if err := s.Subscribe(Topic{Name: "t", QoS: 1}); err == nil {
		t.Error("Subscribe on unconnected session succeeded")
	}
	if s.IsConnected() {
		t.Error("IsConnected on fresh session")
	}
}
