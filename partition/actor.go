package partition

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"partikv/bucket"
	"partikv/eventbus"
	iring "partikv/interface/ring"
	istorage "partikv/interface/storage"
	"partikv/mapred"
	"partikv/object"
)

// 分区 actor：独占一个 keyspace 分片的私有状态，逐条处理消息，
// 请求在分区内天然串行。并行度来自多个 actor 并发运行，而不是
// 单个 actor 内部。

const moduleName = "partition"

var ErrStopped = errors.New("partition actor stopped")

// 需要外部执行环境的 map 函数走这里异步派发，
// 结果通过回调带外送回 actor
type ExternalRunner interface {
	Execute(task *mapred.Task, obj *object.Object, resultCb func(value interface{}, err error))
}

// 写入确认：Dup 表示重复写（合并后时钟未前进，没有落盘）
type PutAck struct {
	Dup bool
	Err error
}

type handoffStatus int

const (
	notInHandoff handoffStatus = iota
	transferring
	awaitingReplay
)

// ******************** mailbox messages ********************

type getMsg struct {
	key   object.BKey
	reply chan getResult
}

type getResult struct {
	obj *object.Object
	err error
}

type putMsg struct {
	key       object.BKey
	obj       *object.Object
	reqID     string
	pruneTime time.Time
	reply     chan PutAck
}

type delMsg struct {
	key   object.BKey
	reply chan error
}

type listMsg struct {
	bucket string
	reply  chan listResult
}

type listResult struct {
	keys []string
	err  error
}

type foldMsg struct {
	fn    istorage.FoldFunc
	acc   interface{}
	reply chan foldResult
}

type foldResult struct {
	acc interface{}
	err error
}

type mapMsg struct {
	task    *mapred.Task
	replies chan<- *mapred.Reply
}

type tickMsg struct{}

type extResultMsg struct {
	taskID int64
	value  interface{}
	err    error
}

type stopMsg struct {
	reply chan struct{}
}

// ******************** actor ********************

// map 结果缓存键：key × 函数签名 × 参数摘要
type cacheKey struct {
	key string
	sig string
	arg string
}

type inflightEntry struct {
	replies chan<- *mapred.Reply
	ck      cacheKey
	cache   bool
}

type Options struct {
	Index     int
	Backend   istorage.Handle
	RingMgr   iring.Manager
	Props     *bucket.Store
	Transport Transport
	External  ExternalRunner
	Sink      eventbus.Sink
	CacheSize int
	Backoff   time.Duration // handoff 加锁时的固定退避
	// 所有权永久离开本节点时回调（向注册表发排除信号）
	OnExit func(partitionID int)
}

type Actor struct {
	idx       int
	self      string
	backend   istorage.Handle
	ringMgr   iring.Manager
	props     *bucket.Store
	transport Transport
	external  ExternalRunner
	sink      eventbus.Sink
	backoff   time.Duration
	onExit    func(int)

	mailbox  chan interface{}
	xferDone chan TransferDone
	stopped  chan struct{}

	// 以下字段仅 loop goroutine 访问
	cache    *lru.Cache
	status   handoffStatus
	token    string
	target   string
	dirty    map[string]struct{} // 移交窗口内的差量写集合
	inflight map[int64]inflightEntry
}

func NewActor(opts *Options) (*Actor, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 10 * time.Second
	}
	a := &Actor{
		idx:       opts.Index,
		self:      opts.RingMgr.Self(),
		backend:   opts.Backend,
		ringMgr:   opts.RingMgr,
		props:     opts.Props,
		transport: opts.Transport,
		external:  opts.External,
		sink:      opts.Sink,
		backoff:   opts.Backoff,
		onExit:    opts.OnExit,
		mailbox:   make(chan interface{}, 128),
		xferDone:  make(chan TransferDone, 1),
		stopped:   make(chan struct{}),
		cache:     cache,
		status:    notInHandoff,
		inflight:  make(map[int64]inflightEntry),
	}
	go a.loop()
	return a, nil
}

func (a *Actor) Index() int {
	return a.idx
}

// Stopped 在 actor 终止后关闭
func (a *Actor) Stopped() <-chan struct{} {
	return a.stopped
}

func (a *Actor) post(msg interface{}) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.stopped:
		return ErrStopped
	}
}

// ******************** public operations ********************

// Get 原样返回后端状态，不做合并
func (a *Actor) Get(key object.BKey) (*object.Object, error) {
	reply := make(chan getResult, 1)
	if err := a.post(&getMsg{key: key, reply: reply}); err != nil {
		return nil, err
	}
	res := <-reply
	return res.obj, res.err
}

func (a *Actor) Put(key object.BKey, obj *object.Object, reqID string, pruneTime time.Time) PutAck {
	reply := make(chan PutAck, 1)
	if err := a.post(&putMsg{key: key, obj: obj, reqID: reqID, pruneTime: pruneTime, reply: reply}); err != nil {
		return PutAck{Err: err}
	}
	return <-reply
}

func (a *Actor) Delete(key object.BKey) error {
	reply := make(chan error, 1)
	if err := a.post(&delMsg{key: key, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (a *Actor) ListKeys(bucketName string) ([]string, error) {
	reply := make(chan listResult, 1)
	if err := a.post(&listMsg{bucket: bucketName, reply: reply}); err != nil {
		return nil, err
	}
	res := <-reply
	return res.keys, res.err
}

func (a *Actor) Fold(fn istorage.FoldFunc, acc interface{}) (interface{}, error) {
	reply := make(chan foldResult, 1)
	if err := a.post(&foldMsg{fn: fn, acc: acc, reply: reply}); err != nil {
		return nil, err
	}
	res := <-reply
	return res.acc, res.err
}

// ExecuteMap 异步执行 map 任务，应答写入 replies（可能先收到 Executing 占位）
func (a *Actor) ExecuteMap(task *mapred.Task, replies chan<- *mapred.Reply) {
	if err := a.post(&mapMsg{task: task, replies: replies}); err != nil {
		replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: err}
	}
}

// Hometest 触发一次归属检查，由节点级定时器周期调用
func (a *Actor) Hometest() {
	_ = a.post(tickMsg{})
}

func (a *Actor) Stop() {
	reply := make(chan struct{})
	if err := a.post(&stopMsg{reply: reply}); err != nil {
		return
	}
	<-reply
}

// ******************** message loop ********************

func (a *Actor) loop() {
	for {
		select {
		case msg := <-a.mailbox:
			if exit := a.handle(msg); exit {
				close(a.stopped)
				return
			}
		case done := <-a.xferDone:
			if exit := a.handleTransferDone(done); exit {
				close(a.stopped)
				return
			}
		}
	}
}

func (a *Actor) handle(msg interface{}) (exit bool) {
	switch m := msg.(type) {
	case *getMsg:
		a.handleGet(m)
	case *putMsg:
		a.handlePut(m)
	case *delMsg:
		a.handleDelete(m)
	case *listMsg:
		a.handleList(m)
	case *foldMsg:
		a.handleFold(m)
	case *mapMsg:
		a.handleMap(m)
	case tickMsg:
		return a.handleTick()
	case *extResultMsg:
		a.handleExtResult(m)
	case *stopMsg:
		close(m.reply)
		return true
	}
	return false
}

// ******************** get / put / delete ********************

func (a *Actor) readObject(key object.BKey) (*object.Object, error) {
	raw, err := a.backend.Get(key.String())
	if err != nil {
		return nil, err
	}
	return object.Decode(raw)
}

func (a *Actor) handleGet(m *getMsg) {
	obj, err := a.readObject(m.key)
	m.reply <- getResult{obj: obj, err: err}
}

func (a *Actor) handlePut(m *putMsg) {
	props := a.props.GetBucketProps(m.key.Bucket)

	stored, err := a.readObject(m.key)
	if err != nil && err != istorage.ErrNotFound {
		// 后端故障：失败确认，本层不重试
		a.sink.Notify(moduleName, "put_fail", m.key.String())
		m.reply <- PutAck{Err: err}
		return
	}

	var final *object.Object
	if stored == nil {
		// 不存在旧值，新对象即权威
		final = m.obj
	} else {
		merged := object.SyntacticMerge(stored, m.obj, m.reqID)
		if merged.Clock.Equal(stored.Clock) {
			// 合并未推进时钟：重复写，不再落盘
			m.reply <- PutAck{Dup: true}
			return
		}
		final = merged
	}

	// bucket 禁止 sibling 时收敛为单 content，落盘前按策略裁剪时钟
	if !props.AllowSiblings {
		final.ReconcileSiblings()
	}
	final.Clock = final.Clock.Prune(m.pruneTime, props.PruneOptions())

	data, err := object.Encode(final)
	if err == nil {
		err = a.backend.Put(m.key.String(), data)
	}
	if err != nil {
		a.sink.Notify(moduleName, "put_fail", m.key.String())
		m.reply <- PutAck{Err: err}
		return
	}

	a.invalidateCache(m.key)
	a.markDirty(m.key)
	a.sink.Notify(moduleName, "put", m.key.String())
	m.reply <- PutAck{}
}

func (a *Actor) handleDelete(m *delMsg) {
	err := a.backend.Delete(m.key.String())
	if err != nil {
		a.sink.Notify(moduleName, "delete_fail", m.key.String())
		m.reply <- err
		return
	}
	a.invalidateCache(m.key)
	a.markDirty(m.key)
	a.sink.Notify(moduleName, "delete", m.key.String())
	m.reply <- nil
}

func (a *Actor) handleList(m *listMsg) {
	keys, err := a.backend.ListBucket(m.bucket)
	m.reply <- listResult{keys: keys, err: err}
	a.sink.Notify(moduleName, "list_keys_complete", m.bucket)
}

func (a *Actor) handleFold(m *foldMsg) {
	acc, err := a.backend.Fold(m.fn, m.acc)
	m.reply <- foldResult{acc: acc, err: err}
}

// ******************** map execution ********************

func argDigest(arg, keyData interface{}) string {
	return fmt.Sprintf("%v|%v", arg, keyData)
}

func (a *Actor) handleMap(m *mapMsg) {
	task := m.task
	ck := cacheKey{
		key: task.Key.String(),
		sig: task.Fun.Signature(),
		arg: argDigest(task.Arg, task.KeyData),
	}

	// 按引用的函数形态命中缓存时直接应答，不再读存储
	if task.Fun.Cacheable() {
		if value, ok := a.cache.Get(ck); ok {
			m.replies <- &mapred.Reply{Kind: mapred.ReplyOK, Value: value}
			return
		}
	}

	obj, err := a.readObject(task.Key)
	if err != nil && err != istorage.ErrNotFound {
		m.replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: err}
		return
	}
	// NotFound 以 nil 对象传给函数，属合法输入

	switch task.Fun.Kind {
	case mapred.FuncNative:
		fn, ok := mapred.LookupNative(task.Fun.Module, task.Fun.Name)
		if !ok {
			m.replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: mapred.ErrUnknownNativeFun}
			return
		}
		value, ferr := a.safeInvoke(task.Fun.Signature(), fn, obj, task)
		if ferr != nil {
			m.replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: ferr}
			return
		}
		a.cache.Add(ck, value)
		m.replies <- &mapred.Reply{Kind: mapred.ReplyOK, Value: value}

	case mapred.FuncInline:
		value, ferr := a.safeInvoke("inline", task.Fun.Fn, obj, task)
		if ferr != nil {
			m.replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: ferr}
			return
		}
		// 匿名闭包的结果不进缓存
		m.replies <- &mapred.Reply{Kind: mapred.ReplyOK, Value: value}

	case mapred.FuncExternal:
		if a.external == nil {
			m.replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: errors.New("no external runner")}
			return
		}
		// 立即占位应答，结果稍后带外回投，再转发给原请求方
		m.replies <- &mapred.Reply{Kind: mapred.ReplyExecuting}
		a.inflight[task.ID] = inflightEntry{replies: m.replies, ck: ck, cache: task.Fun.Cacheable()}
		taskID := task.ID
		a.external.Execute(task, obj, func(value interface{}, err error) {
			_ = a.post(&extResultMsg{taskID: taskID, value: value, err: err})
		})
	}
}

// 用户函数的异常终止被捕获为结构化错误，绝不冲垮 actor
func (a *Actor) safeInvoke(name string, fn mapred.MapFunc, obj *object.Object, task *mapred.Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &mapred.ExecError{Fun: name, Cause: r}
		}
	}()
	value, err = fn(obj, task.KeyData, task.Arg)
	if err != nil {
		err = &mapred.ExecError{Fun: name, Cause: err}
	}
	return value, err
}

func (a *Actor) handleExtResult(m *extResultMsg) {
	entry, ok := a.inflight[m.taskID]
	if !ok {
		return
	}
	delete(a.inflight, m.taskID)
	if m.err != nil {
		entry.replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: m.err}
		return
	}
	if entry.cache {
		a.cache.Add(entry.ck, m.value)
	}
	entry.replies <- &mapred.Reply{Kind: mapred.ReplyOK, Value: m.value}
}

// 该 key 的写入 / 删除使其全部缓存条目失效
func (a *Actor) invalidateCache(key object.BKey) {
	flat := key.String()
	for _, raw := range a.cache.Keys() {
		if ck, ok := raw.(cacheKey); ok && ck.key == flat {
			a.cache.Remove(raw)
		}
	}
}
