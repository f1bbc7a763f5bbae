package rtc

import (
	"context"
	"testing"

	"github.com/neverendingsdreams/mira-stylist/internal/session"
)

func TestHandleOfferRejectsInvalidOffer(t *testing.T) {
	h := NewHandler(Deps{})
	cases := []SessionDescription{
		{},
		{Type: "answer", SDP: "v=0"},
		{Type: "offer", SDP: ""},
	}
	for _, offer := range cases {
		if _, err := h.HandleOffer(context.Background(), offer); err == nil {
			t.Fatalf("offer %+v accepted", offer)
		}
	}
}

func TestICEServersFallback(t *testing.T) {
	h := NewHandler(Deps{})
	servers := h.iceServers()
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("default servers = %+v", servers)
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("default STUN = %q", servers[0].URLs[0])
	}
}

func TestICEServersFromJSON(t *testing.T) {
	h := NewHandler(Deps{ICEServersJSON: `[{"urls":["stun:stun.example.com:3478"]}]`})
	servers := h.iceServers()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestICEServersBadJSONFallsBack(t *testing.T) {
	h := NewHandler(Deps{ICEServersJSON: `{notjson`})
	servers := h.iceServers()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestChannelNotifierWithoutChannel(t *testing.T) {
	n := &channelNotifier{}
	// must be safe before the client opens the control channel
	n.Notify(session.Notice{Kind: session.NoticeState})
	n.Notify(session.Notice{Kind: session.NoticeError, Message: "x"})
}
