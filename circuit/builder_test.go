package circuit

import (
	"testing"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

func genIdentity(t *testing.T, seed byte) [xcrypto.IdentityKeyLen]byte {
	t.Helper()
	var s [32]byte
	s[0] = seed
	kp, err := xcrypto.GenerateIdentityKeypair(s)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return kp.Public
}

func sequentialRand(start uint32) func() uint32 {
	n := start
	return func() uint32 {
		n++
		return n
	}
}

func TestFilterCandidatesRemovesOwnAndUsedAndIncompatible(t *testing.T) {
	own := genIdentity(t, 1)
	used := genIdentity(t, 2)
	good := genIdentity(t, 3)
	var bad [xcrypto.IdentityKeyLen]byte
	for i := range bad {
		bad[i] = 0xFF
	}

	candidates := []Candidate{
		{PublicKey: own},
		{PublicKey: used},
		{PublicKey: good},
		{PublicKey: bad},
	}
	filtered := FilterCandidates(own, []Hop{{PublicKey: used}}, candidates)

	if len(filtered) != 1 || filtered[0].PublicKey != good {
		t.Fatalf("expected only the good candidate to survive, got %+v", filtered)
	}
}

func TestFilterCandidatesEmptyWhenExhausted(t *testing.T) {
	own := genIdentity(t, 1)
	used := genIdentity(t, 2)

	filtered := FilterCandidates(own, []Hop{{PublicKey: used}}, []Candidate{
		{PublicKey: own}, {PublicKey: used},
	})
	if len(filtered) != 0 {
		t.Fatalf("expected no candidates, got %+v", filtered)
	}
}

// TestThreeHopBuildHappyPath exercises spec §8 scenario 1: after the full
// create/created/extend/extended exchange, the circuit is READY with
// three hops in order.
func TestThreeHopBuildHappyPath(t *testing.T) {
	ownKey := genIdentity(t, 0)

	p1Identity := genIdentity(t, 1)
	p2Identity := genIdentity(t, 2)
	p3Identity := genIdentity(t, 3)

	p1 := Candidate{PublicKey: p1Identity, Addr: mustAddr("10.0.0.1:1")}
	p2 := Candidate{PublicKey: p2Identity, Addr: mustAddr("10.0.0.2:2")}
	p3 := Candidate{PublicKey: p3Identity, Addr: mustAddr("10.0.0.3:3")}

	tb := NewTables()
	now := time.Now()

	c, originatorSecret, err := BeginCreateCircuit(tb, p1, 3, now, sequentialRand(0))
	if err != nil {
		t.Fatalf("begin create: %v", err)
	}

	// Simulate p1's reply: its own DH secret, session keys shared with us,
	// and an encrypted candidate list offering p2 and p3.
	p1Secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("p1 secret: %v", err)
	}
	p1Keys, err := xcrypto.GenerateSessionKeys(p1Secret, originatorSecret.Public)
	if err != nil {
		t.Fatalf("p1 session keys: %v", err)
	}
	list := cell.MarshalCandidateList([][32]byte{p2Identity, p3Identity})
	listEnc, err := xcrypto.EncryptStr(p1Keys.Get(xcrypto.Endpoint), list)
	if err != nil {
		t.Fatalf("encrypt candidate list: %v", err)
	}

	outcome, err := OnCreatedOrExtended(tb, c.ID, p1Secret.Public, listEnc, ownKey, now)
	if err != nil {
		t.Fatalf("on created: %v", err)
	}
	if outcome.Ready || outcome.Extend == nil {
		t.Fatalf("expected an extend step after the first hop, got %+v", outcome)
	}
	if outcome.Extend.Target.PublicKey != p2Identity {
		t.Fatalf("expected p2 chosen first, got %x", outcome.Extend.Target.PublicKey)
	}

	// p2's reply, offering only p3 this time (p2 filters itself+p1 already
	// in practice, but here we just hand back p3 directly).
	p2Secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("p2 secret: %v", err)
	}
	p2Keys, err := xcrypto.GenerateSessionKeys(p2Secret, outcome.Extend.Secret.Public)
	if err != nil {
		t.Fatalf("p2 session keys: %v", err)
	}
	list2 := cell.MarshalCandidateList([][32]byte{p3Identity})
	list2Enc, err := xcrypto.EncryptStr(p2Keys.Get(xcrypto.Endpoint), list2)
	if err != nil {
		t.Fatalf("encrypt candidate list 2: %v", err)
	}

	outcome2, err := OnCreatedOrExtended(tb, c.ID, p2Secret.Public, list2Enc, ownKey, now)
	if err != nil {
		t.Fatalf("on extended (p2): %v", err)
	}
	if outcome2.Ready || outcome2.Extend == nil {
		t.Fatalf("expected a second extend step, got %+v", outcome2)
	}
	if outcome2.Extend.Target.PublicKey != p3Identity {
		t.Fatalf("expected p3 chosen second, got %x", outcome2.Extend.Target.PublicKey)
	}

	// p3's reply completes the circuit: goal_hops reached, no more
	// extension, empty candidate list is fine.
	p3Secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("p3 secret: %v", err)
	}
	p3Keys, err := xcrypto.GenerateSessionKeys(p3Secret, outcome2.Extend.Secret.Public)
	if err != nil {
		t.Fatalf("p3 session keys: %v", err)
	}
	emptyList := cell.MarshalCandidateList(nil)
	emptyListEnc, err := xcrypto.EncryptStr(p3Keys.Get(xcrypto.Endpoint), emptyList)
	if err != nil {
		t.Fatalf("encrypt empty list: %v", err)
	}

	outcome3, err := OnCreatedOrExtended(tb, c.ID, p3Secret.Public, emptyListEnc, ownKey, now)
	if err != nil {
		t.Fatalf("on extended (p3): %v", err)
	}
	if !outcome3.Ready {
		t.Fatalf("expected circuit ready after third hop, got %+v", outcome3)
	}

	got, ok := tb.Circuit(c.ID)
	if !ok {
		t.Fatal("circuit vanished")
	}
	if got.State != StateReady || len(got.Hops) != 3 {
		t.Fatalf("expected READY with 3 hops, got state=%v hops=%d", got.State, len(got.Hops))
	}
	if got.Hops[0].PublicKey != p1Identity || got.Hops[1].PublicKey != p2Identity || got.Hops[2].PublicKey != p3Identity {
		t.Fatal("hop order does not match p1, p2, p3")
	}
	if tb.IsWaiting(c.ID) {
		t.Fatal("circuit should no longer be in waiting_for once ready")
	}
}

// TestExtensionExhaustionTearsDownCircuit covers the circuit-package half
// of spec §8 scenario 2: OnCreatedOrExtended reports ErrNoCandidates when
// no extension candidate is left. The teardown itself is done by the
// community package on that error and is not exercised here.
func TestExtensionExhaustionTearsDownCircuit(t *testing.T) {
	ownKey := genIdentity(t, 0)
	p1Identity := genIdentity(t, 1)
	p1 := Candidate{PublicKey: p1Identity, Addr: mustAddr("10.0.0.1:1")}

	tb := NewTables()
	now := time.Now()

	c, originatorSecret, err := BeginCreateCircuit(tb, p1, 3, now, sequentialRand(0))
	if err != nil {
		t.Fatalf("begin create: %v", err)
	}

	p1Secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("p1 secret: %v", err)
	}
	p1Keys, err := xcrypto.GenerateSessionKeys(p1Secret, originatorSecret.Public)
	if err != nil {
		t.Fatalf("p1 session keys: %v", err)
	}
	// Candidate list offers only our own key and the already-used p1 key.
	list := cell.MarshalCandidateList([][32]byte{ownKey, p1Identity})
	listEnc, err := xcrypto.EncryptStr(p1Keys.Get(xcrypto.Endpoint), list)
	if err != nil {
		t.Fatalf("encrypt candidate list: %v", err)
	}

	_, err = OnCreatedOrExtended(tb, c.ID, p1Secret.Public, listEnc, ownKey, now)
	if err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestHandleCreateRejectsOverMaxRelaysOrExits(t *testing.T) {
	tb := NewTables()
	tb.InsertExitPlaceholder(1)
	tb.InsertExitPlaceholder(2)

	var share [32]byte
	_, _, err := HandleCreate(tb, 3, share, nil, 2)
	if err == nil {
		t.Fatal("expected rejection once max_relays_or_exits is reached")
	}
}

func TestHandleCreateInstallsPlaceholderAndSessionKeys(t *testing.T) {
	tb := NewTables()
	secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}

	ownShare, listEnc, err := HandleCreate(tb, 77, secret.Public, nil, 10)
	if err != nil {
		t.Fatalf("handle create: %v", err)
	}
	if ownShare == ([32]byte{}) {
		t.Fatal("expected a non-zero DH public share")
	}
	if len(listEnc) == 0 {
		t.Fatal("expected an encrypted (possibly empty) candidate list")
	}
	if !tb.HasExitEntry(77) {
		t.Fatal("expected exit placeholder for new terminus")
	}
	if dir, ok := tb.DirectionOf(77); !ok || dir != xcrypto.Endpoint {
		t.Fatalf("expected direction ENDPOINT, got %v ok=%v", dir, ok)
	}
	if _, ok := tb.RelaySessionKeys(77); !ok {
		t.Fatal("expected relay session keys to be installed")
	}
}

func TestHandleExtendInstallsMirroredPairAndRemovesExitPlaceholder(t *testing.T) {
	tb := NewTables()
	secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if _, _, err := HandleCreate(tb, 1, secret.Public, nil, 10); err != nil {
		t.Fatalf("handle create: %v", err)
	}

	target := genIdentity(t, 9)
	candidates := map[[32]byte]Candidate{
		target: {PublicKey: target, Addr: mustAddr("8.8.8.8:8")},
	}

	newCid, addr, err := HandleExtend(tb, 1, candidates, target, mustAddr("1.1.1.1:1"), sequentialRand(1000))
	if err != nil {
		t.Fatalf("handle extend: %v", err)
	}
	if addr != mustAddr("8.8.8.8:8") {
		t.Fatalf("unexpected extend target addr: %v", addr)
	}
	if tb.HasExitEntry(1) {
		t.Fatal("exit placeholder should be removed once the circuit extends past this peer")
	}
	route, ok := tb.RelayRoute(1)
	if !ok || route.PeerCircuitID != newCid {
		t.Fatalf("expected cid 1 to mirror new cid %d, got %+v", newCid, route)
	}
	if keys1, _ := tb.RelaySessionKeys(1); true {
		if keys2, ok2 := tb.RelaySessionKeys(newCid); !ok2 || keys1 != keys2 {
			t.Fatal("relay session keys should be shared across both circuit ids")
		}
	}
}
