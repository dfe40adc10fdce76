package mapred

import (
	"time"

	"partikv/lib/logger"
)

// 每个 map 任务一个协调器：按序逐个尝试候选副本，
// 可重试错误和超时换下一个，恰好产生一次终局报告。

const defaultTimeout = 9500 * time.Millisecond

// 把任务派发给指定节点的执行方，应答异步写入 replies
type Runner interface {
	Dispatch(nodeID string, task *Task, replies chan<- *Reply)
}

// 终局报告，Value 与 Err 互斥
type Outcome struct {
	Value interface{}
	Err   error
}

// 按 bucket 解析 link 函数，未配置返回 nil
type LinkFunResolver func(bucket string) *FuncSpec

type Coordinator struct {
	task    *Task
	runner  Runner
	linkFun LinkFunResolver
	done    chan *Outcome
}

func NewCoordinator(task *Task, runner Runner, linkFun LinkFunResolver) *Coordinator {
	return &Coordinator{
		task:    task,
		runner:  runner,
		linkFun: linkFun,
		done:    make(chan *Outcome, 1),
	}
}

// Start 启动协调循环，终局结果恰好写入返回通道一次
func (c *Coordinator) Start() <-chan *Outcome {
	go c.run()
	return c.done
}

func (c *Coordinator) report(value interface{}, err error) {
	c.done <- &Outcome{Value: value, Err: err}
}

func (c *Coordinator) run() {
	task := c.task

	// link 改写任务先翻译成等价 map 任务；
	// link 函数未配置是致命错误，不做任何派发
	if task.Link != nil {
		if c.linkFun == nil {
			c.report(nil, ErrUnconfiguredLinkFun)
			return
		}
		fun := c.linkFun(task.Link.Bucket)
		if fun == nil {
			c.report(nil, ErrUnconfiguredLinkFun)
			return
		}
		translated := *task
		translated.Fun = fun
		translated.Arg = task.Link
		translated.Link = nil
		task = &translated
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	pending := make([]string, len(task.Candidates))
	copy(pending, task.Candidates)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var replies chan *Reply
	dispatched := false
	for {
		if !dispatched {
			if len(pending) == 0 {
				c.report(nil, ErrAllReplicasFailed)
				return
			}
			target := pending[0]
			pending = pending[1:]
			// 每次派发换新通道，被弃置候选的迟到应答自然落空
			replies = make(chan *Reply, 4)
			c.runner.Dispatch(target, task, replies)
			resetTimer(timer, timeout)
			dispatched = true
		}

		select {
		case rep := <-replies:
			switch rep.Kind {
			case ReplyOK:
				c.report(rep.Value, nil)
				return
			case ReplyExecuting:
				// 异步执行中：续期等待，不前进候选列表
				resetTimer(timer, timeout)
			case ReplyRetryErr:
				logger.Debugf("map task %d retryable error: %v", task.ID, rep.Err)
				dispatched = false
			case ReplyFatal:
				c.report(nil, rep.Err)
				return
			}
		case <-timer.C:
			// 超时弃置当前候选，有剩余就换下一个
			dispatched = false
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
