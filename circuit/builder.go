package circuit

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

// ErrNoCandidates reports extension-candidate exhaustion (spec §4.5 step
// 3, §8 scenario 2: "no candidates to extend, bailing out").
var ErrNoCandidates = fmt.Errorf("circuit: no candidates to extend, bailing out")

// FilterCandidates implements spec §4.5 step 3: drop this peer's own
// key, any key already used by an existing hop, and any key that fails
// IsKeyCompatible, preserving wire order.
func FilterCandidates(ownKey [xcrypto.IdentityKeyLen]byte, existingHops []Hop, candidates []Candidate) []Candidate {
	used := make(map[[xcrypto.IdentityKeyLen]byte]struct{}, len(existingHops)+1)
	used[ownKey] = struct{}{}
	for _, h := range existingHops {
		used[h.PublicKey] = struct{}{}
	}

	out := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if _, skip := used[cand.PublicKey]; skip {
			continue
		}
		if !xcrypto.IsKeyCompatible(cand.PublicKey) {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// BeginCreateCircuit implements spec §4.5 originator step 1: draws a
// fresh circuit_id, opens a DH ephemeral for firstHop, and registers the
// circuit in EXTENDING state waiting for CREATED. It returns the new
// circuit and the DH secret whose Public share the caller must
// hybrid-encrypt with firstHop's key and send as the create message.
func BeginCreateCircuit(t *Tables, firstHop Candidate, goalHops int, now time.Time, randUint32 func() uint32) (*Circuit, *xcrypto.DiffieSecret, error) {
	cid, err := t.DrawCircuitID(randUint32)
	if err != nil {
		return nil, nil, fmt.Errorf("begin create circuit: %w", err)
	}
	secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("begin create circuit: %w", err)
	}

	c := &Circuit{
		ID:           cid,
		GoalHops:     goalHops,
		FirstHop:     firstHop.Addr,
		State:        StateExtending,
		CreationTime: now,
		LastIncoming: now,
		Unverified: &PendingHop{
			PublicKey: firstHop.PublicKey,
			Secret:    secret,
			Addr:      firstHop.Addr,
		},
	}
	t.InsertCircuit(c)
	return c, secret, nil
}

// BuildOutcome is the result of processing a CREATED or EXTENDED reply
// (spec §4.5 step 4: "extended is handled identically to created — both
// dispatch through _ours_on_created_extended").
type BuildOutcome struct {
	// Ready is true once len(hops) == goal_hops.
	Ready bool
	// Extend is set when another hop must be added; the caller
	// hybrid-encrypts Extend.Secret.Public with Extend.Target.HybridKey and
	// sends extend(circuitID, encrypted-share, Extend.Target.PublicKey)
	// toward the circuit's first hop.
	Extend *ExtendStep
}

type ExtendStep struct {
	Target Candidate
	Secret *xcrypto.DiffieSecret
}

// OnCreatedOrExtended implements spec §4.5 step 2-4 (_ours_on_created_extended):
// derives session keys for the pending hop from remoteShare, promotes it
// into the confirmed hop list, decrypts the candidate list with the
// freshly derived ENDPOINT key, and either readies the circuit or begins
// the next extension step.
func OnCreatedOrExtended(t *Tables, cid uint32, remoteShare [xcrypto.DHShareLen]byte, candidateListEnc []byte, ownKey [xcrypto.IdentityKeyLen]byte, now time.Time) (BuildOutcome, error) {
	c, ok := t.Circuit(cid)
	if !ok {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: unknown circuit %d", cid)
	}
	if !t.IsWaiting(cid) {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: circuit %d not in waiting_for", cid)
	}
	if c.Unverified == nil {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: circuit %d has no pending hop", cid)
	}
	t.ClearWaiting(cid)

	pending := c.Unverified
	keys, err := xcrypto.GenerateSessionKeys(pending.Secret, remoteShare)
	pending.Secret.Close()
	if err != nil {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: %w", err)
	}

	c.Hops = append(c.Hops, Hop{PublicKey: pending.PublicKey, SessionKeys: keys})
	c.Unverified = nil
	c.LastIncoming = now

	candidateList, err := xcrypto.DecryptStr(keys.Get(xcrypto.Endpoint), candidateListEnc)
	if err != nil {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: decrypt candidate list: %w", err)
	}
	pubkeys, err := cell.ParseCandidateList(candidateList)
	if err != nil {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: parse candidate list: %w", err)
	}

	if len(c.Hops) >= c.GoalHops {
		c.State = StateReady
		return BuildOutcome{Ready: true}, nil
	}

	candidates := make([]Candidate, len(pubkeys))
	for i, pk := range pubkeys {
		candidates[i] = Candidate{PublicKey: pk}
	}
	filtered := FilterCandidates(ownKey, c.Hops, candidates)
	if len(filtered) == 0 {
		return BuildOutcome{}, ErrNoCandidates
	}
	chosen := filtered[0]

	secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		return BuildOutcome{}, fmt.Errorf("on_created_extended: %w", err)
	}
	c.Unverified = &PendingHop{PublicKey: chosen.PublicKey, Secret: secret, Addr: chosen.Addr}
	t.waitingFor[cid] = struct{}{}

	return BuildOutcome{Extend: &ExtendStep{Target: chosen, Secret: secret}}, nil
}

// HandleCreate implements spec §4.5 joining-peer steps 1 and 3-6. The DH
// share must already be hybrid-decrypted by the caller (step 2 happens
// at the dispatch layer, which holds the peer's long-term private key);
// a decryption failure there is dropped silently before this is ever
// called. preselected is the ≤4 verified candidates the caller selected
// from the discovery substrate for step 5.
func HandleCreate(t *Tables, cid uint32, remoteShare [xcrypto.DHShareLen]byte, preselected []Candidate, maxRelaysOrExits int) (ownDHShare [xcrypto.DHShareLen]byte, candidateListEnc []byte, err error) {
	if t.RelayAndExitCount() >= maxRelaysOrExits {
		return ownDHShare, nil, fmt.Errorf("handle create: max_relays_or_exits reached")
	}

	t.SetDirection(cid, xcrypto.Endpoint)

	secret, err := xcrypto.GenerateDiffieSecret()
	if err != nil {
		return ownDHShare, nil, fmt.Errorf("handle create: %w", err)
	}
	defer secret.Close()

	keys, err := xcrypto.GenerateSessionKeys(secret, remoteShare)
	if err != nil {
		return ownDHShare, nil, fmt.Errorf("handle create: %w", err)
	}
	t.SetRelaySessionKeys(cid, keys)
	t.InsertExitPlaceholder(cid)

	pubkeys := make([][xcrypto.IdentityKeyLen]byte, len(preselected))
	for i, c := range preselected {
		pubkeys[i] = c.PublicKey
	}
	listPlain := cell.MarshalCandidateList(pubkeys)
	enc, err := xcrypto.EncryptStr(keys.Get(xcrypto.Endpoint), listPlain)
	if err != nil {
		return ownDHShare, nil, fmt.Errorf("handle create: %w", err)
	}

	ownDHShare = secret.Public
	return ownDHShare, enc, nil
}

// HandleExtend implements spec §4.5 "Extend processing at middle hop"
// steps 2-6. candidates is the anon-created cache's stored candidate set
// for cid; inboundAddr is the address that originally sent create/extend
// for cid.
func HandleExtend(t *Tables, cid uint32, candidates map[[xcrypto.IdentityKeyLen]byte]Candidate, chosenPubKey [xcrypto.IdentityKeyLen]byte, inboundAddr netip.AddrPort, randUint32 func() uint32) (newCid uint32, extendAddr netip.AddrPort, err error) {
	target, ok := candidates[chosenPubKey]
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("handle extend: chosen pubkey not among offered candidates")
	}

	newCid, err = t.DrawCircuitID(randUint32)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("handle extend: %w", err)
	}
	// new_cid isn't a relay yet until its CREATED arrives: mark it waiting
	// so IsRelay excludes it and the dispatch layer routes the reply
	// through the created->extended relabeling path instead of opaque
	// relay forwarding (mirrors the original's waiting_for.add(new_circuit_id)).
	t.waitingFor[newCid] = struct{}{}

	t.InsertRelayPair(cid, inboundAddr, newCid, target.Addr)

	keys, ok := t.RelaySessionKeys(cid)
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("handle extend: no relay session keys for circuit %d", cid)
	}
	t.SetRelaySessionKeys(newCid, keys)
	t.SetDirection(newCid, xcrypto.Originator)
	t.SetDirection(cid, xcrypto.Endpoint)
	t.RemoveExitSocket(cid)

	return newCid, target.Addr, nil
}
