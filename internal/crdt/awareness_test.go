package crdt

import "testing"

func TestAwarenessPropagatesLocalState(t *testing.T) {
	a := NewAwareness(NewDocWithClientID(1))
	b := NewAwareness(NewDocWithClientID(2))

	a.SetLocalStateField("name", "Ada")
	a.SetLocalStateField("color", "#f00")
	update, err := a.EncodeUpdate()
	if err != nil {
		t.Fatal(err)
	}

	var changes []AwarenessChange
	b.OnChange(func(c AwarenessChange, origin Origin) {
		if origin != "remote" {
			t.Errorf("unexpected origin %q", origin)
		}
		changes = append(changes, c)
	})
	if err := b.ApplyUpdate(update, "remote"); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(update, "remote"); err != nil {
		t.Fatal(err)
	}

	if len(changes) != 1 || len(changes[0].Added) != 1 || changes[0].Added[0] != 1 {
		t.Fatalf("expected a single add of client 1, got %+v", changes)
	}
	state := b.States()[1]
	if state["name"] != "Ada" || state["color"] != "#f00" {
		t.Fatalf("unexpected remote state: %v", state)
	}
}

func TestAwarenessClearingFieldAndGoingOffline(t *testing.T) {
	a := NewAwareness(NewDocWithClientID(1))
	b := NewAwareness(NewDocWithClientID(2))

	a.SetLocalStateField("cursor", "3")
	u1, _ := a.EncodeUpdate()
	_ = b.ApplyUpdate(u1, "remote")

	a.SetLocalStateField("cursor", nil)
	if _, ok := a.LocalState()["cursor"]; ok {
		t.Fatal("cursor field should be cleared")
	}

	a.SetLocalState(nil)
	u2, _ := a.EncodeUpdate()
	var removed []uint64
	b.OnChange(func(c AwarenessChange, _ Origin) { removed = append(removed, c.Removed...) })
	_ = b.ApplyUpdate(u2, "remote")
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("expected client 1 removed, got %v", removed)
	}
	if _, ok := b.States()[1]; ok {
		t.Fatal("offline client still listed")
	}
}

func TestAwarenessIgnoresOwnClient(t *testing.T) {
	a := NewAwareness(NewDocWithClientID(1))
	a.SetLocalStateField("name", "Ada")
	u, _ := a.EncodeUpdate()

	other := NewAwareness(NewDocWithClientID(1))
	_ = other.ApplyUpdate(u, "remote")
	if _, ok := other.LocalState()["name"]; ok {
		t.Fatal("remote update overwrote local state")
	}
}
