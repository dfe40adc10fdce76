package node

import (
	"testing"
	"time"

	"partikv/bucket"
	"partikv/config"
	"partikv/eventbus"
	"partikv/lib/utils"
	"partikv/mapred"
	"partikv/object"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	config.Properties = &config.NodeProperties{
		NodeID:           "127.0.0.1:16380",
		Bind:             "127.0.0.1:16380",
		Dir:              t.TempDir(),
		Backend:          "memory",
		PartitionCount:   8,
		ReplicaFactor:    3,
		HometestInterval: time.Minute,
		HandoffBackoff:   time.Second,
		MapCacheSize:     64,
	}
	n, err := NewNode([]string{config.Properties.NodeID})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func TestNodeRequiresNodeID(t *testing.T) {
	config.Properties = &config.NodeProperties{Backend: "memory", PartitionCount: 4, ReplicaFactor: 1}
	if _, err := NewNode(nil); err == nil {
		t.Error("node without node-id should fail to start")
	}
}

func TestNodePutGetDelete(t *testing.T) {
	n := newTestNode(t)
	key := object.BKey{Bucket: "users", Key: utils.RandString(8)}

	ack := n.Put(key, []byte("alice"), nil)
	if ack.Err != nil {
		t.Fatalf("put: %v", ack.Err)
	}
	if ack.Dup {
		t.Error("first put should not be a duplicate")
	}

	got, err := n.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !utils.BytesEquals(got.Contents[0].Value, []byte("alice")) {
		t.Error("stored value mismatch")
	}
	if _, ok := got.Contents[0].Meta[object.MetaLastModified]; !ok {
		t.Error("put should stamp last-modified")
	}

	if err := n.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := n.Get(key); err == nil {
		t.Error("deleted key should not be readable")
	}
}

func TestNodeOverwriteAdvancesClock(t *testing.T) {
	n := newTestNode(t)
	key := object.BKey{Bucket: "users", Key: utils.RandString(8)}

	n.Put(key, []byte("v1"), nil)
	first, _ := n.Get(key)

	ack := n.Put(key, []byte("v2"), nil)
	if ack.Err != nil || ack.Dup {
		t.Fatalf("overwrite should be a fresh write: %+v", ack)
	}
	second, _ := n.Get(key)
	if len(second.Contents) != 1 {
		t.Fatalf("overwrite should not create siblings, actual %d", len(second.Contents))
	}
	if !utils.BytesEquals(second.Contents[0].Value, []byte("v2")) {
		t.Error("overwrite should win over the old value")
	}
	if !second.Clock.Descends(first.Clock) || second.Clock.Equal(first.Clock) {
		t.Error("overwrite should strictly advance the clock")
	}
}

func TestNodeListKeysAcrossPartitions(t *testing.T) {
	n := newTestNode(t)
	want := 10
	for i := 0; i < want; i++ {
		key := object.BKey{Bucket: "docs", Key: utils.RandString(12)}
		if ack := n.Put(key, []byte("x"), nil); ack.Err != nil {
			t.Fatalf("put: %v", ack.Err)
		}
	}
	n.Put(object.BKey{Bucket: "other", Key: "k"}, []byte("y"), nil)

	keys, err := n.ListKeys("docs")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != want {
		t.Errorf("expected %d keys, actual %d", want, len(keys))
	}
}

func TestNodeRunMapNative(t *testing.T) {
	n := newTestNode(t)
	mapred.RegisterNative("nodetest", "length", func(obj *object.Object, keyData, arg interface{}) (interface{}, error) {
		if obj == nil {
			return 0, nil
		}
		return len(obj.Contents[0].Value), nil
	})

	key := object.BKey{Bucket: "docs", Key: utils.RandString(8)}
	n.Put(key, []byte("hello"), nil)

	value, err := n.RunMap(key, mapred.NativeRef("nodetest", "length"), nil, nil, time.Second)
	if err != nil {
		t.Fatalf("run map: %v", err)
	}
	if value != 5 {
		t.Errorf("expected 5, actual %v", value)
	}
}

func TestNodeRunMapInline(t *testing.T) {
	n := newTestNode(t)
	key := object.BKey{Bucket: "docs", Key: utils.RandString(8)}
	n.Put(key, []byte("data"), nil)

	fun := mapred.InlineClosure(func(obj *object.Object, keyData, arg interface{}) (interface{}, error) {
		return arg, nil
	})
	value, err := n.RunMap(key, fun, "echo", nil, time.Second)
	if err != nil {
		t.Fatalf("run map: %v", err)
	}
	if value != "echo" {
		t.Errorf("expected echo, actual %v", value)
	}
}

func TestNodeRunMapMissingKey(t *testing.T) {
	n := newTestNode(t)
	fun := mapred.InlineClosure(func(obj *object.Object, keyData, arg interface{}) (interface{}, error) {
		if obj != nil {
			t.Error("missing key should reach the function as nil")
		}
		return "none", nil
	})
	value, err := n.RunMap(object.BKey{Bucket: "b", Key: "ghost"}, fun, nil, nil, time.Second)
	if err != nil {
		t.Fatalf("run map: %v", err)
	}
	if value != "none" {
		t.Errorf("expected none, actual %v", value)
	}
}

func TestNodeRunLink(t *testing.T) {
	n := newTestNode(t)
	mapred.RegisterNative("nodetest", "follow", func(obj *object.Object, keyData, arg interface{}) (interface{}, error) {
		term, ok := arg.(*mapred.LinkTerm)
		if !ok {
			return nil, mapred.ErrUnknownNativeFun
		}
		return term.Bucket + ":" + term.Tag, nil
	})
	n.Props().SetBucketProps("friends", &bucket.Props{
		LinkFun: mapred.NativeRef("nodetest", "follow"),
	})

	key := object.BKey{Bucket: "friends", Key: utils.RandString(8)}
	n.Put(key, []byte("x"), nil)

	value, err := n.RunLink(key, &mapred.LinkTerm{Bucket: "friends", Tag: "knows"}, nil, time.Second)
	if err != nil {
		t.Fatalf("run link: %v", err)
	}
	if value != "friends:knows" {
		t.Errorf("expected friends:knows, actual %v", value)
	}
}

func TestNodeRunLinkUnconfigured(t *testing.T) {
	n := newTestNode(t)
	key := object.BKey{Bucket: "nolinks", Key: utils.RandString(8)}
	_, err := n.RunLink(key, &mapred.LinkTerm{Bucket: "nolinks", Tag: "t"}, nil, time.Second)
	if err != mapred.ErrUnconfiguredLinkFun {
		t.Errorf("expected ErrUnconfiguredLinkFun, actual %v", err)
	}
}

func TestNodeApplyReceivedMergesLikeLocalWrite(t *testing.T) {
	n := newTestNode(t)
	key := object.BKey{Bucket: "users", Key: utils.RandString(8)}
	n.Put(key, []byte("local"), nil)

	incoming := object.New(key, []byte("remote"), map[string]string{
		object.MetaLastModified: "1",
	})
	incoming.Clock.Increment("other-node")
	if err := n.ApplyReceived(incoming); err != nil {
		t.Fatalf("apply received: %v", err)
	}

	got, err := n.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 并发时钟，默认 bucket 收敛为单 content，本地新写因更晚的时间戳胜出
	if len(got.Contents) != 1 {
		t.Fatalf("expected 1 content, actual %d", len(got.Contents))
	}
	if !utils.BytesEquals(got.Contents[0].Value, []byte("local")) {
		t.Error("newer local write should win the reconcile")
	}
	if !got.Clock.Descends(incoming.Clock) {
		t.Error("merged clock should descend the incoming clock")
	}
}

type inspectSub struct {
	done chan struct{}
}

func (s *inspectSub) ID() string { return "inspector" }

func (s *inspectSub) Handle(ev *eventbus.Event) {}

func (s *inspectSub) Done() <-chan struct{} { return s.done }

func TestNodeClusterSubscriptions(t *testing.T) {
	n := newTestNode(t)
	if regs := n.ClusterSubscriptions(); len(regs) != 0 {
		t.Fatalf("fresh node should expose no subscriptions, actual %d", len(regs))
	}

	sub := &inspectSub{done: make(chan struct{})}
	p := eventbus.Pattern{
		Module:  eventbus.Lit("partition"),
		Name:    eventbus.Lit("put"),
		Origin:  eventbus.Any(),
		Payload: eventbus.Any(),
	}
	if err := n.Bus().Subscribe(sub, "watch puts", p, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	regs := n.ClusterSubscriptions()
	if len(regs) != 1 {
		t.Fatalf("expected 1 subscription record, actual %d", len(regs))
	}
	if regs[0].SubID != "inspector" || regs[0].Node != config.Properties.NodeID {
		t.Errorf("unexpected record: %+v", regs[0])
	}

	if err := n.Bus().Unsubscribe(sub, p, nil); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if regs := n.ClusterSubscriptions(); len(regs) != 0 {
		t.Errorf("expected empty list after unsubscribe, actual %d", len(regs))
	}
}
