package mapred

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partikv/object"
)

// 脚本化的 Runner：按派发顺序回放预设应答
type scriptedRunner struct {
	mu      sync.Mutex
	scripts []func(nodeID string, replies chan<- *Reply)
	targets []string
	nextIdx int
}

func (r *scriptedRunner) Dispatch(nodeID string, task *Task, replies chan<- *Reply) {
	r.mu.Lock()
	r.targets = append(r.targets, nodeID)
	idx := r.nextIdx
	r.nextIdx++
	r.mu.Unlock()
	if idx < len(r.scripts) {
		go r.scripts[idx](nodeID, replies)
	}
}

func (r *scriptedRunner) dispatchedTo() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.targets))
	copy(out, r.targets)
	return out
}

func makeTask(candidates ...string) *Task {
	return &Task{
		ID:         1,
		Key:        object.BKey{Bucket: "b", Key: "k"},
		Fun:        NativeRef("test", "identity"),
		Candidates: candidates,
		Timeout:    200 * time.Millisecond,
	}
}

func TestCoordinatorFirstCandidateSucceeds(t *testing.T) {
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){
		func(nodeID string, replies chan<- *Reply) {
			replies <- &Reply{Kind: ReplyOK, Value: "result"}
		},
	}}
	out := <-NewCoordinator(makeTask("n1", "n2"), runner, nil).Start()
	require.NoError(t, out.Err)
	assert.Equal(t, "result", out.Value)
	assert.Equal(t, []string{"n1"}, runner.dispatchedTo())
}

func TestCoordinatorRetriesInOrder(t *testing.T) {
	retry := func(nodeID string, replies chan<- *Reply) {
		replies <- &Reply{Kind: ReplyRetryErr, Err: errors.New("busy")}
	}
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){
		retry,
		retry,
		func(nodeID string, replies chan<- *Reply) {
			replies <- &Reply{Kind: ReplyOK, Value: "third time"}
		},
	}}
	out := <-NewCoordinator(makeTask("n1", "n2", "n3"), runner, nil).Start()
	require.NoError(t, out.Err)
	assert.Equal(t, "third time", out.Value)
	assert.Equal(t, []string{"n1", "n2", "n3"}, runner.dispatchedTo())
}

func TestCoordinatorAllReplicasFailed(t *testing.T) {
	retry := func(nodeID string, replies chan<- *Reply) {
		replies <- &Reply{Kind: ReplyRetryErr, Err: errors.New("down")}
	}
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){retry, retry}}
	coord := NewCoordinator(makeTask("n1", "n2"), runner, nil)
	done := coord.Start()
	out := <-done
	require.Error(t, out.Err)
	assert.Equal(t, ErrAllReplicasFailed, out.Err)

	// 终局报告恰好一次
	select {
	case extra := <-done:
		t.Errorf("unexpected second outcome: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinatorFatalStopsImmediately(t *testing.T) {
	fatal := errors.New("bad function")
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){
		func(nodeID string, replies chan<- *Reply) {
			replies <- &Reply{Kind: ReplyFatal, Err: fatal}
		},
	}}
	out := <-NewCoordinator(makeTask("n1", "n2", "n3"), runner, nil).Start()
	assert.Equal(t, fatal, out.Err)
	assert.Equal(t, []string{"n1"}, runner.dispatchedTo())
}

func TestCoordinatorTimeoutAdvances(t *testing.T) {
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){
		func(nodeID string, replies chan<- *Reply) {
			// 第一候选静默，触发超时
		},
		func(nodeID string, replies chan<- *Reply) {
			replies <- &Reply{Kind: ReplyOK, Value: "fallback"}
		},
	}}
	out := <-NewCoordinator(makeTask("n1", "n2"), runner, nil).Start()
	require.NoError(t, out.Err)
	assert.Equal(t, "fallback", out.Value)
	assert.Equal(t, []string{"n1", "n2"}, runner.dispatchedTo())
}

func TestCoordinatorExecutingExtendsDeadline(t *testing.T) {
	task := makeTask("n1", "n2")
	task.Timeout = 150 * time.Millisecond
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){
		func(nodeID string, replies chan<- *Reply) {
			// 两次占位应答把等待时间撑过单次超时
			for i := 0; i < 2; i++ {
				time.Sleep(100 * time.Millisecond)
				replies <- &Reply{Kind: ReplyExecuting}
			}
			time.Sleep(100 * time.Millisecond)
			replies <- &Reply{Kind: ReplyOK, Value: "slow but done"}
		},
	}}
	out := <-NewCoordinator(task, runner, nil).Start()
	require.NoError(t, out.Err)
	assert.Equal(t, "slow but done", out.Value)
	assert.Equal(t, []string{"n1"}, runner.dispatchedTo())
}

func TestCoordinatorStaleReplyIgnored(t *testing.T) {
	task := makeTask("n1", "n2")
	task.Timeout = 100 * time.Millisecond
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){
		func(nodeID string, replies chan<- *Reply) {
			// 迟到应答：超时换候选之后才写入旧通道
			time.Sleep(300 * time.Millisecond)
			replies <- &Reply{Kind: ReplyOK, Value: "stale"}
		},
		func(nodeID string, replies chan<- *Reply) {
			replies <- &Reply{Kind: ReplyOK, Value: "fresh"}
		},
	}}
	out := <-NewCoordinator(task, runner, nil).Start()
	require.NoError(t, out.Err)
	assert.Equal(t, "fresh", out.Value)
}

func TestCoordinatorLinkTranslation(t *testing.T) {
	linkFun := NativeRef("links", "walk")
	var got *Task
	var mu sync.Mutex
	runner := &scriptedRunner{scripts: []func(string, chan<- *Reply){}}
	runner.scripts = append(runner.scripts, func(nodeID string, replies chan<- *Reply) {
		replies <- &Reply{Kind: ReplyOK, Value: "linked"}
	})
	capture := runnerFunc(func(nodeID string, task *Task, replies chan<- *Reply) {
		mu.Lock()
		got = task
		mu.Unlock()
		runner.Dispatch(nodeID, task, replies)
	})

	task := makeTask("n1")
	task.Link = &LinkTerm{Bucket: "friends", Tag: "knows"}
	resolver := func(bucket string) *FuncSpec {
		if bucket == "friends" {
			return linkFun
		}
		return nil
	}
	out := <-NewCoordinator(task, capture, resolver).Start()
	require.NoError(t, out.Err)
	assert.Equal(t, "linked", out.Value)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Nil(t, got.Link, "translated task should no longer carry a link term")
	assert.Equal(t, linkFun, got.Fun)
	if term, ok := got.Arg.(*LinkTerm); assert.True(t, ok) {
		assert.Equal(t, "knows", term.Tag)
	}
}

func TestCoordinatorUnconfiguredLinkFun(t *testing.T) {
	runner := &scriptedRunner{}
	task := makeTask("n1")
	task.Link = &LinkTerm{Bucket: "nobody", Tag: "x"}
	resolver := func(bucket string) *FuncSpec { return nil }
	out := <-NewCoordinator(task, runner, resolver).Start()
	assert.Equal(t, ErrUnconfiguredLinkFun, out.Err)
	assert.Empty(t, runner.dispatchedTo(), "unconfigured link must fail before any dispatch")
}

func TestCoordinatorNilResolverIsFatal(t *testing.T) {
	runner := &scriptedRunner{}
	task := makeTask("n1")
	task.Link = &LinkTerm{Bucket: "b", Tag: "t"}
	out := <-NewCoordinator(task, runner, nil).Start()
	assert.Equal(t, ErrUnconfiguredLinkFun, out.Err)
}

// 函数适配器，便于在测试里内联 Runner
type runnerFunc func(nodeID string, task *Task, replies chan<- *Reply)

func (f runnerFunc) Dispatch(nodeID string, task *Task, replies chan<- *Reply) {
	f(nodeID, task, replies)
}

func TestRegistryLookup(t *testing.T) {
	RegisterNative("Docs", "WordCount", func(obj *object.Object, keyData, arg interface{}) (interface{}, error) {
		return 42, nil
	})
	fn, ok := LookupNative("docs", "wordcount")
	require.True(t, ok, "lookup should be case-insensitive")
	v, err := fn(nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, ok = LookupNative("docs", "missing")
	assert.False(t, ok)
}

func TestFuncSpecSignature(t *testing.T) {
	assert.Equal(t, "native:m:f", NativeRef("m", "f").Signature())
	assert.Equal(t, "external:m:f", ExternalRef("m", "f").Signature())
	assert.Equal(t, "inline", InlineClosure(nil).Signature())
	assert.True(t, NativeRef("m", "f").Cacheable())
	assert.False(t, InlineClosure(nil).Cacheable())
	assert.False(t, ExternalRef("m", "f").Cacheable())
}
