package reqcache

import (
	"testing"
	"time"
)

func TestPutGetPop(t *testing.T) {
	c := New()
	key := Key{Kind: KindPing, Number: 42}
	c.Put(key, time.Now().Add(time.Minute), PingRecord{CircuitID: 7})

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected record present")
	}
	if got.(PingRecord).CircuitID != 7 {
		t.Fatalf("unexpected payload: %+v", got)
	}

	popped, ok := c.Pop(key)
	if !ok || popped.(PingRecord).CircuitID != 7 {
		t.Fatalf("unexpected pop result: %+v ok=%v", popped, ok)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("expected record gone after pop")
	}
}

func TestExpiredReturnsDueKeysInOrder(t *testing.T) {
	c := New()
	now := time.Now()
	k1 := Key{Kind: KindAnonCircuit, Number: 1}
	k2 := Key{Kind: KindAnonCircuit, Number: 2}
	k3 := Key{Kind: KindAnonCircuit, Number: 3}

	c.Put(k3, now.Add(30*time.Second), AnonCircuitRecord{})
	c.Put(k1, now.Add(10*time.Second), AnonCircuitRecord{})
	c.Put(k2, now.Add(20*time.Second), AnonCircuitRecord{})

	expired := c.Expired(now.Add(25 * time.Second))
	if len(expired) != 2 || expired[0] != k1 || expired[1] != k2 {
		t.Fatalf("expected [k1 k2] in deadline order, got %+v", expired)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}

	rest := c.Expired(now.Add(31 * time.Second))
	if len(rest) != 1 || rest[0] != k3 {
		t.Fatalf("expected [k3], got %+v", rest)
	}
	if c.Len() != 0 {
		t.Fatal("expected cache empty")
	}
}

func TestPutReplacesExistingKey(t *testing.T) {
	c := New()
	key := Key{Kind: KindPing, Number: 1}
	now := time.Now()
	c.Put(key, now.Add(time.Minute), PingRecord{CircuitID: 1})
	c.Put(key, now.Add(time.Hour), PingRecord{CircuitID: 2})

	if c.Len() != 1 {
		t.Fatalf("expected replace not duplicate, got len %d", c.Len())
	}
	got, _ := c.Get(key)
	if got.(PingRecord).CircuitID != 2 {
		t.Fatalf("expected replaced payload, got %+v", got)
	}

	expired := c.Expired(now.Add(31 * time.Minute))
	if len(expired) != 0 {
		t.Fatal("old deadline should not fire since the entry was replaced")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindAnonCircuit: "anon-circuit",
		KindAnonCreated: "anon-created",
		KindPing:        "ping",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
