package peercall

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

// fakeEngine is a no-op webrtcengine.Engine for state-machine tests: it
// never touches real media, it just returns canned SDP strings so PeerCall
// transitions can be exercised without pion/webrtc's real negotiation.
type fakeEngine struct {
	mu     sync.Mutex
	closed bool

	onNegotiationNeeded func()
	onICE               func(webrtcengine.Candidate)
	onICEState          func(webrtc.ICEConnectionState)
	onClosed            func()

	addedCandidates []webrtcengine.Candidate
	addedTracks     []*webrtc.TrackLocalStaticRTP
	removeAllCalls  int
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (string, error)  { return "fake-offer", nil }
func (e *fakeEngine) CreateAnswer(ctx context.Context, offer string) (string, error) {
	return "fake-answer", nil
}
func (e *fakeEngine) SetRemoteAnswer(ctx context.Context, answer string) error { return nil }
func (e *fakeEngine) SetRemoteOffer(ctx context.Context, offer string) (string, error) {
	return "fake-answer-2", nil
}
func (e *fakeEngine) AddICECandidate(c webrtcengine.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addedCandidates = append(e.addedCandidates, c)
	return nil
}
func (e *fakeEngine) AddLocalTrack(t *webrtc.TrackLocalStaticRTP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addedTracks = append(e.addedTracks, t)
	return nil
}
func (e *fakeEngine) RemoveAllLocalTracks() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeAllCalls++
	e.addedTracks = nil
	return nil
}
func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
func (e *fakeEngine) OnNegotiationNeeded(fn func())                         { e.onNegotiationNeeded = fn }
func (e *fakeEngine) OnICECandidate(fn func(webrtcengine.Candidate))        { e.onICE = fn }
func (e *fakeEngine) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	e.onICEState = fn
}
func (e *fakeEngine) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (e *fakeEngine) OnClosed(fn func())                                    { e.onClosed = fn }

type fakeFactory struct {
	engines []*fakeEngine
}

func (f *fakeFactory) NewEngine(ctx context.Context) (webrtcengine.Engine, error) {
	e := &fakeEngine{}
	f.engines = append(f.engines, e)
	return e, nil
}

func testLocal(selfDevice, remoteDevice calltypes.DeviceID) Local {
	return Local{
		RoomID:         "!room:example.org",
		ConfID:         "conf1",
		CallID:         "call1",
		Self:           calltypes.MemberKey{UserID: "@alice:example.org", DeviceID: selfDevice},
		Remote:         calltypes.MemberKey{UserID: "@bob:example.org", DeviceID: remoteDevice},
		LocalSessionID: "sess-local",
	}
}

func newTestPeerCall(t *testing.T, factory *fakeFactory) (*PeerCall, *[]callevents.Message) {
	t.Helper()
	var sent []callevents.Message
	var mu sync.Mutex
	hooks := Hooks{
		Send: func(ctx context.Context, msg callevents.Message) error {
			mu.Lock()
			sent = append(sent, msg)
			mu.Unlock()
			return nil
		},
		OnStateChange: func(calltypes.PeerCallState) {},
		OnEnded:       func(calltypes.HangupReason) {},
	}
	pc := New(testLocal("DEVICEA", "DEVICEB"), factory, nil, zerolog.Nop(), hooks)
	return pc, &sent
}

func TestCallTransitionsToInviteSent(t *testing.T) {
	factory := &fakeFactory{}
	pc, sent := newTestPeerCall(t, factory)

	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if got := pc.State(); got != calltypes.PeerInviteSent {
		t.Fatalf("state = %s, want InviteSent", got)
	}
	if len(*sent) != 1 || (*sent)[0].Kind != callevents.KindInvite {
		t.Fatalf("expected one Invite message, got %+v", *sent)
	}
}

func TestCallTwiceIsInvalidTransition(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)
	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("first Call() error: %v", err)
	}
	err := pc.Call(context.Background())
	if !errors.Is(err, calltypes.ErrInvalidTransition) {
		t.Fatalf("second Call() = %v, want ErrInvalidTransition", err)
	}
}

func TestIncomingInviteThenAnswer(t *testing.T) {
	factory := &fakeFactory{}
	pc, sent := newTestPeerCall(t, factory)

	invite := callevents.Message{
		Kind:     callevents.KindInvite,
		Envelope: callevents.Envelope{CallID: "call1", ConfID: "conf1", SenderSessionID: "sess-remote"},
		SDP:      callevents.SDPData{Type: "offer", SDP: "remote-offer"},
	}
	if err := pc.HandleSignalling(context.Background(), invite); err != nil {
		t.Fatalf("HandleSignalling(invite) error: %v", err)
	}
	if got := pc.State(); got != calltypes.PeerRinging {
		t.Fatalf("state = %s, want Ringing", got)
	}

	if err := pc.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if got := pc.State(); got != calltypes.PeerConnecting {
		t.Fatalf("state = %s, want Connecting", got)
	}
	if len(*sent) != 1 || (*sent)[0].Kind != callevents.KindAnswer {
		t.Fatalf("expected one Answer message, got %+v", *sent)
	}
}

func TestEarlyCandidatesAreBufferedThenFlushed(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)

	invite := callevents.Message{
		Kind:     callevents.KindInvite,
		Envelope: callevents.Envelope{CallID: "call1", ConfID: "conf1"},
		SDP:      callevents.SDPData{Type: "offer", SDP: "remote-offer"},
	}
	if err := pc.HandleSignalling(context.Background(), invite); err != nil {
		t.Fatalf("invite: %v", err)
	}

	cands := callevents.Message{
		Kind:       callevents.KindCandidates,
		Envelope:   callevents.Envelope{CallID: "call1", ConfID: "conf1"},
		Candidates: []callevents.Candidate{{Candidate: "candidate:1 ..."}},
	}
	if err := pc.HandleSignalling(context.Background(), cands); err != nil {
		t.Fatalf("candidates before answer: %v", err)
	}
	if len(pc.remoteCandidates) != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", len(pc.remoteCandidates))
	}

	if err := pc.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if len(pc.remoteCandidates) != 0 {
		t.Fatalf("expected buffer flushed after Answer(), got %d left", len(pc.remoteCandidates))
	}

	fe := factory.engines[len(factory.engines)-1]
	if len(fe.addedCandidates) != 1 {
		t.Fatalf("expected 1 candidate applied to engine, got %d", len(fe.addedCandidates))
	}
}

func TestGlareLowerCallIDWins(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)
	// pc's own CallID is "call1" (see testLocal). An incoming invite with
	// a lexicographically smaller call_id should win glare and end our leg.
	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	incoming := callevents.Message{
		Kind:     callevents.KindInvite,
		Envelope: callevents.Envelope{CallID: "call0", ConfID: "conf1"},
		SDP:      callevents.SDPData{Type: "offer", SDP: "remote-offer"},
	}
	err := pc.HandleSignalling(context.Background(), incoming)
	if !errors.Is(err, calltypes.ErrGlareLost) {
		t.Fatalf("HandleSignalling(lower call_id) = %v, want ErrGlareLost", err)
	}
	if got := pc.State(); got != calltypes.PeerEnded {
		t.Fatalf("state = %s, want Ended", got)
	}
}

func TestGlareHigherCallIDLoses(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)
	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	incoming := callevents.Message{
		Kind:     callevents.KindInvite,
		Envelope: callevents.Envelope{CallID: "call9", ConfID: "conf1"},
		SDP:      callevents.SDPData{Type: "offer", SDP: "remote-offer"},
	}
	if err := pc.HandleSignalling(context.Background(), incoming); err != nil {
		t.Fatalf("HandleSignalling(higher call_id) error: %v", err)
	}
	if got := pc.State(); got != calltypes.PeerInviteSent {
		t.Fatalf("state = %s, want InviteSent (we keep our own leg)", got)
	}
}

func TestHangupEndsAndSendsMessage(t *testing.T) {
	factory := &fakeFactory{}
	pc, sent := newTestPeerCall(t, factory)
	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	if err := pc.Hangup(context.Background(), calltypes.ReasonUserHangup); err != nil {
		t.Fatalf("Hangup() error: %v", err)
	}
	if got := pc.State(); got != calltypes.PeerEnded {
		t.Fatalf("state = %s, want Ended", got)
	}
	last := (*sent)[len(*sent)-1]
	if last.Kind != callevents.KindHangup || last.Reason != calltypes.ReasonUserHangup {
		t.Fatalf("expected hangup message with user_hangup reason, got %+v", last)
	}

	fe := factory.engines[0]
	fe.mu.Lock()
	closed := fe.closed
	fe.mu.Unlock()
	if !closed {
		t.Fatalf("expected engine to be closed on hangup")
	}
}

func TestSetMediaRejectedBeforeConnecting(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)

	media := webrtcengine.LocalMedia{Tracks: []*webrtc.TrackLocalStaticRTP{nil}}
	err := pc.SetMedia(context.Background(), media)
	if !errors.Is(err, calltypes.ErrInvalidTransition) {
		t.Fatalf("SetMedia() before Call() = %v, want ErrInvalidTransition", err)
	}
}

func TestSetMediaReplacesLocalTracksOnceConnected(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)
	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	answer := callevents.Message{
		Kind:     callevents.KindAnswer,
		Envelope: callevents.Envelope{CallID: "call1", ConfID: "conf1"},
		SDP:      callevents.SDPData{Type: "answer", SDP: "remote-answer"},
	}
	if err := pc.HandleSignalling(context.Background(), answer); err != nil {
		t.Fatalf("HandleSignalling(answer) error: %v", err)
	}

	fe := factory.engines[0]
	fe.onICEState(webrtc.ICEConnectionStateConnected)
	if got := pc.State(); got != calltypes.PeerConnected {
		t.Fatalf("state = %s, want Connected", got)
	}

	track := &webrtc.TrackLocalStaticRTP{}
	media := webrtcengine.LocalMedia{Tracks: []*webrtc.TrackLocalStaticRTP{track}}
	if err := pc.SetMedia(context.Background(), media); err != nil {
		t.Fatalf("SetMedia() error: %v", err)
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.removeAllCalls != 1 {
		t.Fatalf("expected RemoveAllLocalTracks called once, got %d", fe.removeAllCalls)
	}
	if len(fe.addedTracks) != 1 || fe.addedTracks[0] != track {
		t.Fatalf("expected the new track to be added, got %+v", fe.addedTracks)
	}
}

func TestOutboundCandidatesBatchedUntilEndOfGathering(t *testing.T) {
	factory := &fakeFactory{}
	pc, sent := newTestPeerCall(t, factory)

	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	fe := factory.engines[0]

	if len(*sent) != 1 {
		t.Fatalf("expected only the Invite to have been sent so far, got %+v", *sent)
	}

	fe.onICE(webrtcengine.Candidate{Candidate: "candidate:1 ..."})
	if len(*sent) != 1 {
		t.Fatalf("expected a single non-terminal candidate to stay buffered, got %+v", *sent)
	}

	fe.onICE(webrtcengine.Candidate{})
	if len(*sent) != 2 {
		t.Fatalf("expected end-of-gathering sentinel to flush the batch, got %+v", *sent)
	}
	last := (*sent)[len(*sent)-1]
	if last.Kind != callevents.KindCandidates || len(last.Candidates) != 2 {
		t.Fatalf("expected a batched Candidates message with 2 entries, got %+v", last)
	}
}

func TestDuplicateHangupAfterEndedIsNoop(t *testing.T) {
	factory := &fakeFactory{}
	pc, _ := newTestPeerCall(t, factory)
	if err := pc.Call(context.Background()); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if err := pc.Hangup(context.Background(), calltypes.ReasonUserHangup); err != nil {
		t.Fatalf("first Hangup() error: %v", err)
	}
	hangup := callevents.Message{
		Kind:     callevents.KindHangup,
		Envelope: callevents.Envelope{CallID: "call1", ConfID: "conf1"},
		Reason:   calltypes.ReasonUserHangup,
	}
	if err := pc.HandleSignalling(context.Background(), hangup); err != nil {
		t.Fatalf("duplicate hangup should be a no-op, got error: %v", err)
	}
}
