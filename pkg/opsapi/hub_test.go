package opsapi

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

func TestHubPublish_OnlyReachesRegisteredProvider(t *testing.T) {
	h := newHub(zap.NewNop().Sugar())

	p1 := &wsClient{providerID: "p1", send: make(chan []byte, 4)}
	p2 := &wsClient{providerID: "p2", send: make(chan []byte, 4)}
	h.register("p1", p1)
	h.register("p2", p2)

	h.publish("p1", maas.Notification{Seq: 1, ProviderID: "p1", Kind: "direct-ask"})

	select {
	case msg := <-p1.send:
		var n maas.Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Seq != 1 {
			t.Fatalf("expected seq 1, got %d", n.Seq)
		}
	default:
		t.Fatal("expected p1 to receive the notification")
	}

	select {
	case <-p2.send:
		t.Fatal("p2 must not receive p1's notification")
	default:
	}
}

func TestHubUnregister_ClosesSendChannel(t *testing.T) {
	h := newHub(zap.NewNop().Sugar())
	c := &wsClient{providerID: "p1", send: make(chan []byte, 1)}
	h.register("p1", c)

	h.unregister("p1", c)

	if _, ok := <-c.send; ok {
		t.Fatal("expected send channel to be closed after unregister")
	}
	if _, ok := h.byProvider["p1"]; ok {
		t.Fatal("expected an empty provider set to be pruned")
	}
}

func TestHubPublish_DropsWhenSendBufferFull(t *testing.T) {
	h := newHub(zap.NewNop().Sugar())
	c := &wsClient{providerID: "p1", send: make(chan []byte)} // unbuffered, nobody reads
	h.register("p1", c)

	h.publish("p1", maas.Notification{Seq: 1, ProviderID: "p1"})

	if _, ok := h.byProvider["p1"][c]; ok {
		t.Fatal("expected the slow client to be dropped from the provider set")
	}
}
