package kafka

import (
	"testing"

	"go.uber.org/zap"
)

func TestPublishEnqueues(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:9092"}, "test.topic", 4, zap.NewNop())
	p.Publish([]byte("k1"), []byte("v1"))

	m := <-p.inbox
	if string(m.Key) != "k1" || string(m.Value) != "v1" {
		t.Fatalf("enqueued message = %q/%q", m.Key, m.Value)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:9092"}, "test.topic", 4, zap.NewNop())
	p.Close()
	p.Close() // idempotent

	p.Publish([]byte("k"), []byte("v")) // must not panic

	if _, ok := <-p.inbox; ok {
		t.Fatal("message enqueued after close")
	}
}
