package member

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

type stubEngine struct {
	mu          sync.Mutex
	closed      bool
	addedTracks []*webrtc.TrackLocalStaticRTP
	onICEState  func(webrtc.ICEConnectionState)
}

func (e *stubEngine) CreateOffer(ctx context.Context) (string, error) { return "offer", nil }
func (e *stubEngine) CreateAnswer(ctx context.Context, offer string) (string, error) {
	return "answer", nil
}
func (e *stubEngine) SetRemoteAnswer(ctx context.Context, answer string) error { return nil }
func (e *stubEngine) SetRemoteOffer(ctx context.Context, offer string) (string, error) {
	return "answer2", nil
}
func (e *stubEngine) AddICECandidate(c webrtcengine.Candidate) error { return nil }
func (e *stubEngine) AddLocalTrack(t *webrtc.TrackLocalStaticRTP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addedTracks = append(e.addedTracks, t)
	return nil
}
func (e *stubEngine) RemoveAllLocalTracks() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addedTracks = nil
	return nil
}
func (e *stubEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
func (e *stubEngine) OnNegotiationNeeded(fn func())                  {}
func (e *stubEngine) OnICECandidate(fn func(webrtcengine.Candidate)) {}
func (e *stubEngine) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	e.onICEState = fn
}
func (e *stubEngine) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (e *stubEngine) OnClosed(fn func())                                            {}

type stubFactory struct {
	engines []*stubEngine
}

func (f *stubFactory) NewEngine(ctx context.Context) (webrtcengine.Engine, error) {
	e := &stubEngine{}
	f.engines = append(f.engines, e)
	return e, nil
}

func keys() (calltypes.MemberKey, calltypes.MemberKey) {
	return calltypes.MemberKey{UserID: "@alice:example.org", DeviceID: "AAAA"},
		calltypes.MemberKey{UserID: "@bob:example.org", DeviceID: "BBBB"}
}

func TestDecideInitiatorIsConsistentAcrossBothSides(t *testing.T) {
	alice, bob := keys()
	aliceInitiates := DecideInitiator(alice, bob)
	bobInitiates := DecideInitiator(bob, alice)
	if aliceInitiates == bobInitiates {
		t.Fatalf("exactly one side must initiate: alice=%v bob=%v", aliceInitiates, bobInitiates)
	}
	// alice < bob lexicographically ("@alice..." < "@bob...")
	if !aliceInitiates {
		t.Fatalf("expected alice (lexicographically lesser) to initiate")
	}
}

func TestConnectAsInitiatorSendsInvite(t *testing.T) {
	alice, bob := keys()
	var sent []callevents.Message
	var mu sync.Mutex
	hooks := Hooks{
		SendEnvelope: func(ctx context.Context, msg callevents.Message) error {
			mu.Lock()
			sent = append(sent, msg)
			mu.Unlock()
			return nil
		},
	}
	m := New("!room:example.org", "conf1", alice, bob, "sess-alice", &stubFactory{}, nil, zerolog.Nop(), hooks)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if len(sent) != 1 || sent[0].Kind != callevents.KindInvite {
		t.Fatalf("expected initiator to send one invite, got %+v", sent)
	}
	if sent[0].Envelope.PartyID != "AAAA" {
		t.Fatalf("party_id = %q, want own device id AAAA", sent[0].Envelope.PartyID)
	}
}

func TestConnectAsNonInitiatorWaits(t *testing.T) {
	alice, bob := keys()
	hooks := Hooks{SendEnvelope: func(ctx context.Context, msg callevents.Message) error { return nil }}
	// bob > alice, so a Member representing bob's connection to alice
	// should not initiate.
	m := New("!room:example.org", "conf1", bob, alice, "sess-bob", &stubFactory{}, nil, zerolog.Nop(), hooks)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := m.State(); got != calltypes.PeerFledgling {
		t.Fatalf("non-initiator state = %s, want Fledgling (waiting for invite)", got)
	}
}

func TestHandleMessageRejectsSessionMismatch(t *testing.T) {
	alice, bob := keys()
	hooks := Hooks{SendEnvelope: func(ctx context.Context, msg callevents.Message) error { return nil }}
	m := New("!room:example.org", "conf1", alice, bob, "sess-alice", &stubFactory{}, nil, zerolog.Nop(), hooks)
	m.Connect(context.Background())

	msg := callevents.Message{
		Kind: callevents.KindAnswer,
		Envelope: callevents.Envelope{
			CallID:        "some-call",
			DestSessionID: "not-sess-alice",
		},
	}
	err := m.HandleMessage(context.Background(), msg)
	if err == nil {
		t.Fatalf("expected session mismatch error")
	}
}

func TestNonInitiatorAnswersIncomingInvite(t *testing.T) {
	alice, bob := keys()
	var sent []callevents.Message
	var mu sync.Mutex
	hooks := Hooks{
		SendEnvelope: func(ctx context.Context, msg callevents.Message) error {
			mu.Lock()
			sent = append(sent, msg)
			mu.Unlock()
			return nil
		},
	}
	m := New("!room:example.org", "conf1", bob, alice, "sess-bob", &stubFactory{}, nil, zerolog.Nop(), hooks)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	invite := callevents.Message{
		Kind: callevents.KindInvite,
		Envelope: callevents.Envelope{
			CallID:          "call-from-alice",
			SenderSessionID: "sess-alice",
		},
		SDP: callevents.SDPData{Type: "offer", SDP: "alice-offer"},
	}
	if err := m.HandleMessage(context.Background(), invite); err != nil {
		t.Fatalf("HandleMessage(invite) error: %v", err)
	}
	if got := m.State(); got != calltypes.PeerRinging {
		t.Fatalf("state = %s, want Ringing", got)
	}

	if err := m.AnswerIncoming(context.Background()); err != nil {
		t.Fatalf("AnswerIncoming() error: %v", err)
	}
	if len(sent) != 1 || sent[0].Kind != callevents.KindAnswer {
		t.Fatalf("expected one answer sent, got %+v", sent)
	}
}

func TestSetMediaStoredBeforeConnectIsAppliedOnceConnected(t *testing.T) {
	alice, bob := keys()
	hooks := Hooks{SendEnvelope: func(ctx context.Context, msg callevents.Message) error { return nil }}
	factory := &stubFactory{}
	m := New("!room:example.org", "conf1", alice, bob, "sess-alice", factory, nil, zerolog.Nop(), hooks)

	track := &webrtc.TrackLocalStaticRTP{}
	if err := m.SetMedia(context.Background(), webrtcengine.LocalMedia{Tracks: []*webrtc.TrackLocalStaticRTP{track}}); err != nil {
		t.Fatalf("SetMedia() before Connect() error: %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	answer := callevents.Message{
		Kind: callevents.KindAnswer,
		Envelope: callevents.Envelope{
			CallID:          "some-call",
			SenderSessionID: "sess-bob",
		},
		SDP: callevents.SDPData{Type: "answer", SDP: "bob-answer"},
	}
	if err := m.HandleMessage(context.Background(), answer); err != nil {
		t.Fatalf("HandleMessage(answer) error: %v", err)
	}

	fe := factory.engines[0]
	fe.onICEState(webrtc.ICEConnectionStateConnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fe.mu.Lock()
		n := len(fe.addedTracks)
		fe.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected stored media to be applied to the engine once connected")
}

func TestRetryCounterResetsOnSessionRotation(t *testing.T) {
	alice, bob := keys()
	hooks := Hooks{SendEnvelope: func(ctx context.Context, msg callevents.Message) error { return nil }}
	m := New("!room:example.org", "conf1", alice, bob, "sess-alice", &stubFactory{}, nil, zerolog.Nop(), hooks)

	m.mu.Lock()
	m.retries = MaxRetries
	m.remoteSessionID = "sess-bob-1"
	m.mu.Unlock()

	msg := callevents.Message{
		Kind: callevents.KindCandidates,
		Envelope: callevents.Envelope{
			CallID:          "some-call",
			SenderSessionID: "sess-bob-2",
		},
	}
	m.call = m.newPeerCallLocked("some-call")
	if err := m.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}

	m.mu.Lock()
	retries := m.retries
	m.mu.Unlock()
	if retries != 0 {
		t.Fatalf("retries = %d, want 0 after session rotation", retries)
	}
}
