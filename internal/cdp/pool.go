package cdp

import "sync"

// workerPool 固定数量的处理协程 + 有界等待队列
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	stop  chan struct{}
}

// newWorkerPool 创建并启动工作池；concurrency <= 0 时返回 nil，表示每个事件单独起协程
func newWorkerPool(concurrency, capacity int) *workerPool {
	if concurrency <= 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = concurrency * 4
	}
	p := &workerPool{tasks: make(chan func(), capacity), stop: make(chan struct{})}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.stop:
			return
		}
	}
}

// submit 非阻塞提交，队列已满或已关闭时返回 false
func (p *workerPool) submit(fn func()) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// close 停止接收任务并等待执行中的任务结束，队列中剩余任务被丢弃
func (p *workerPool) close() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}
