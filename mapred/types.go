package mapred

import (
	"errors"
	"fmt"
	"time"

	"partikv/object"
)

// map 函数的三种形态，显式 case 分发：
//   Native   — 按（module, name）引用的进程内注册函数，结果可缓存
//   Inline   — 匿名闭包，只能本地执行，结果不缓存
//   External — 需要外部执行环境，异步派发，结果可缓存

type FuncKind int

const (
	FuncNative FuncKind = iota
	FuncInline
	FuncExternal
)

// map 函数原型：对象可能为 nil（表示 key 不存在）
type MapFunc func(obj *object.Object, keyData interface{}, arg interface{}) (interface{}, error)

type FuncSpec struct {
	Kind   FuncKind
	Module string  // Native / External 的引用
	Name   string
	Fn     MapFunc // Inline 专用
}

func NativeRef(module, name string) *FuncSpec {
	return &FuncSpec{Kind: FuncNative, Module: module, Name: name}
}

func InlineClosure(fn MapFunc) *FuncSpec {
	return &FuncSpec{Kind: FuncInline, Fn: fn}
}

func ExternalRef(module, name string) *FuncSpec {
	return &FuncSpec{Kind: FuncExternal, Module: module, Name: name}
}

// 按引用的函数形态允许缓存结果，匿名闭包不缓存
func (f *FuncSpec) Cacheable() bool {
	return f.Kind == FuncNative || f.Kind == FuncExternal
}

// 函数签名，作为缓存键的一部分
func (f *FuncSpec) Signature() string {
	switch f.Kind {
	case FuncNative:
		return "native:" + f.Module + ":" + f.Name
	case FuncExternal:
		return "external:" + f.Module + ":" + f.Name
	default:
		return "inline"
	}
}

// link 遍历词项，派发前由 bucket 配置的 link 函数改写为等价 map 任务
type LinkTerm struct {
	Bucket string
	Tag    string
}

// 一次 map 任务：key、函数引用、参数、辅助数据、候选副本、超时
type Task struct {
	ID         int64
	Key        object.BKey
	Fun        *FuncSpec
	Arg        interface{}
	KeyData    interface{}
	Link       *LinkTerm // 非空表示 link 改写任务
	Candidates []string
	Timeout    time.Duration
}

// ******************** reply / error model ********************

type ReplyKind int

const (
	ReplyOK        ReplyKind = iota
	ReplyExecuting           // 异步执行中，占位应答
	ReplyRetryErr            // 可重试错误，协调器换下一个候选
	ReplyFatal               // 致命错误，立即终止
)

// 分区执行 map 任务的单次应答
type Reply struct {
	Kind  ReplyKind
	Value interface{}
	Err   error
}

var (
	ErrAllReplicasFailed   = errors.New("all replicas failed")
	ErrUnconfiguredLinkFun = errors.New("link function unconfigured for bucket")
	ErrUnknownNativeFun    = errors.New("unknown native function")
)

// 用户函数异常终止的结构化错误，隔离在单个任务内
type ExecError struct {
	Fun   string
	Cause interface{}
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("map function %s failed: %v", e.Fun, e.Cause)
}
