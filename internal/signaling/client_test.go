package signaling

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDescriptionExtractsSDP(t *testing.T) {
	payload, _ := json.Marshal(DescriptionPayload{SDP: "v=0\r\n..."})
	sdp, err := ParseDescription(Envelope{Kind: KindOffer, Payload: payload})
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if sdp != "v=0\r\n..." {
		t.Fatalf("expected sdp to round-trip, got %q", sdp)
	}
}

func TestParseDescriptionRejectsMalformedPayload(t *testing.T) {
	_, err := ParseDescription(Envelope{Kind: KindOffer, Payload: json.RawMessage("not-json")})
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestParseCandidateExtractsCandidateString(t *testing.T) {
	payload, _ := json.Marshal(CandidatePayload{Candidate: "candidate:1 1 udp 1 0.0.0.0 1 typ host"})
	candidate, err := ParseCandidate(Envelope{Kind: KindICECandidate, Payload: payload})
	if err != nil {
		t.Fatalf("ParseCandidate: %v", err)
	}
	if candidate != "candidate:1 1 udp 1 0.0.0.0 1 typ host" {
		t.Fatalf("unexpected candidate: %q", candidate)
	}
}

func TestBuildWSURLUpgradesHTTPSchemes(t *testing.T) {
	cases := map[string]string{
		"https://signal.example.test/ws": "wss://signal.example.test/ws",
		"http://signal.example.test/ws":  "ws://signal.example.test/ws",
		"wss://signal.example.test/ws":   "wss://signal.example.test/ws",
	}
	for in, want := range cases {
		c := New(Config{ServerURL: in}, func(Envelope) {})
		got, err := c.buildWSURL()
		if err != nil {
			t.Fatalf("buildWSURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("buildWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWaitRegisteredTimesOutWithoutAck(t *testing.T) {
	c := New(Config{ServerURL: "wss://signal.example.test/ws"}, func(Envelope) {})
	if c.WaitRegistered(20 * time.Millisecond) {
		t.Fatal("expected WaitRegistered to time out when no ack arrives")
	}
}

func TestWaitRegisteredSucceedsAfterNotify(t *testing.T) {
	c := New(Config{ServerURL: "wss://signal.example.test/ws"}, func(Envelope) {})
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.notifyAckWaiters()
	}()
	if !c.WaitRegistered(time.Second) {
		t.Fatal("expected WaitRegistered to succeed after notifyAckWaiters")
	}
}
