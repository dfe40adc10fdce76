package ring

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFlatOwnership(t *testing.T) {
	r := NewFlat([]string{"n2", "n1", "n3"}, 6)
	if r.PartitionCount() != 6 {
		t.Errorf("expected 6 partitions, actual %d", r.PartitionCount())
	}
	// 成员排序后 round-robin 均分
	counts := make(map[string]int)
	for i := 0; i < r.PartitionCount(); i++ {
		owner := r.OwnerOf(i)
		if owner == "" {
			t.Fatalf("partition %d has no owner", i)
		}
		counts[owner]++
	}
	for _, n := range []string{"n1", "n2", "n3"} {
		if counts[n] != 2 {
			t.Errorf("expected node %s to own 2 partitions, actual %d", n, counts[n])
		}
	}
	if r.OwnerOf(-1) != "" || r.OwnerOf(100) != "" {
		t.Error("out-of-range partition should have empty owner")
	}
}

func TestFlatNoMembers(t *testing.T) {
	r := NewFlat(nil, 4)
	if r.PartitionCount() != 4 {
		t.Errorf("expected 4 partitions, actual %d", r.PartitionCount())
	}
	for i := 0; i < r.PartitionCount(); i++ {
		if owner := r.OwnerOf(i); owner != "" {
			t.Errorf("partition %d should be unowned, actual %s", i, owner)
		}
	}
	if prefs := r.PreferenceList(0, 3); len(prefs) != 0 {
		t.Errorf("expected empty preference list, actual %v", prefs)
	}
}

func TestPreferenceListDistinct(t *testing.T) {
	r := NewFlat([]string{"n1", "n2", "n3"}, 9)
	prefs := r.PreferenceList(7, 3)
	if len(prefs) != 3 {
		t.Fatalf("expected 3 candidates, actual %d", len(prefs))
	}
	seen := make(map[string]bool)
	for _, n := range prefs {
		if seen[n] {
			t.Errorf("duplicate candidate %s", n)
		}
		seen[n] = true
	}
	if prefs[0] != r.OwnerOf(7%9) {
		t.Error("first candidate should be the home partition owner")
	}
}

func TestPreferenceListMoreThanMembers(t *testing.T) {
	r := NewFlat([]string{"n1", "n2"}, 4)
	prefs := r.PreferenceList(0, 5)
	if len(prefs) != 2 {
		t.Errorf("expected candidates capped at member count, actual %d", len(prefs))
	}
}

func TestSetMetadataCopies(t *testing.T) {
	r := NewFlat([]string{"n1"}, 2)
	next := r.SetMetadata("k", []byte("v"))
	if next.Version() != r.Version()+1 {
		t.Error("metadata change should bump the version")
	}
	if _, ok := r.GetMetadata("k"); ok {
		t.Error("original ring should stay untouched")
	}
	if val, ok := next.GetMetadata("k"); !ok || string(val) != "v" {
		t.Error("new ring should carry the metadata")
	}
}

func TestWithOwnerCopies(t *testing.T) {
	r := NewFlat([]string{"n1", "n2"}, 2)
	before := r.OwnerOf(0)
	next := r.WithOwner(0, "n2")
	if next.OwnerOf(0) != "n2" {
		t.Error("ownership change should apply to the new ring")
	}
	if r.OwnerOf(0) != before {
		t.Error("original ring ownership should stay untouched")
	}
	if next.Version() != r.Version()+1 {
		t.Error("ownership change should bump the version")
	}
}

func TestEncodeDecodeRing(t *testing.T) {
	r := NewFlat([]string{"n1", "n2"}, 4)
	r2 := r.SetMetadata("k", []byte("v")).(*Flat)
	data, err := encodeRing(r2)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeRing(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Version() != r2.Version() {
		t.Error("version should survive the round trip")
	}
	if decoded.OwnerOf(3) != r2.OwnerOf(3) {
		t.Error("ownership should survive the round trip")
	}
	if val, ok := decoded.GetMetadata("k"); !ok || string(val) != "v" {
		t.Error("metadata should survive the round trip")
	}
}

// 测试用 peer 桩
type stubPeers struct {
	mu     sync.Mutex
	pushed map[string][][]byte
	alive  bool
}

func (p *stubPeers) Ping(nodeID string) bool { return p.alive }

func (p *stubPeers) PushRing(nodeID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushed == nil {
		p.pushed = make(map[string][][]byte)
	}
	p.pushed[nodeID] = append(p.pushed[nodeID], data)
	return nil
}

func (p *stubPeers) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, pushes := range p.pushed {
		total += len(pushes)
	}
	return total
}

func TestManagerPersistAndReload(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "partikv-ring-test")
	defer os.RemoveAll(dir)

	r := NewFlat([]string{"n1", "n2"}, 4)
	mgr := NewManager("n1", dir, &stubPeers{}, r)
	if err := mgr.PersistRing(); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ringFileName))
	if err != nil {
		t.Fatalf("ring file missing: %v", err)
	}
	reloaded, err := DecodeRing(data)
	if err != nil {
		t.Fatalf("decode persisted ring: %v", err)
	}
	if reloaded.Version() != r.Version() {
		t.Error("persisted ring version mismatch")
	}
}

func TestManagerPropagatePushesPeer(t *testing.T) {
	peers := &stubPeers{}
	mgr := NewManager("n1", "", peers, NewFlat([]string{"n1", "n2"}, 4))
	mgr.Propagate()

	deadline := time.Now().Add(time.Second)
	for peers.pushCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if peers.pushCount() != 1 {
		t.Errorf("expected 1 push, actual %d", peers.pushCount())
	}
	peers.mu.Lock()
	_, pushedToSelf := peers.pushed["n1"]
	peers.mu.Unlock()
	if pushedToSelf {
		t.Error("should never propagate to self")
	}
}

func TestManagerPropagateSingleNode(t *testing.T) {
	peers := &stubPeers{}
	mgr := NewManager("n1", "", peers, NewFlat([]string{"n1"}, 4))
	mgr.Propagate()
	time.Sleep(50 * time.Millisecond)
	if peers.pushCount() != 0 {
		t.Error("single-node cluster has no peer to push to")
	}
}

func TestReceiveRingAdoptsNewer(t *testing.T) {
	mgr := NewManager("n1", "", &stubPeers{}, NewFlat([]string{"n1", "n2"}, 4))

	newer := NewFlat([]string{"n1", "n2"}, 4).WithOwner(0, "n2").WithOwner(1, "n2")
	data, err := encodeRing(newer)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := mgr.ReceiveRing(data); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if mgr.GetCurrentRing().Version() != newer.Version() {
		t.Error("newer ring should be adopted")
	}
	if mgr.GetCurrentRing().OwnerOf(0) != "n2" {
		t.Error("adopted ring should carry the new ownership")
	}
}

func TestReceiveRingIgnoresStale(t *testing.T) {
	current := NewFlat([]string{"n1", "n2"}, 4).WithOwner(0, "n2")
	mgr := NewManager("n1", "", &stubPeers{}, current)

	stale, err := encodeRing(NewFlat([]string{"n1", "n2"}, 4))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := mgr.ReceiveRing(stale); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if mgr.GetCurrentRing().Version() != current.Version() {
		t.Error("stale ring should be ignored")
	}
	if mgr.GetCurrentRing().OwnerOf(0) != "n2" {
		t.Error("current ownership should be left alone")
	}
}

func TestReachableSelfWithoutPing(t *testing.T) {
	peers := &stubPeers{alive: false}
	mgr := NewManager("n1", "", peers, NewFlat([]string{"n1", "n2"}, 4))
	if !mgr.Reachable("n1") {
		t.Error("self is always reachable")
	}
	if mgr.Reachable("n2") {
		t.Error("dead peer should be unreachable")
	}
}
