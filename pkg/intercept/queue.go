package intercept

import "sync"

// taskQueue 串行执行的尽力而为任务，按提交顺序运行，按需启动一个 goroutine
type taskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (q *taskQueue) submit(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	if !q.running {
		q.running = true
		go q.run()
	}
	q.mu.Unlock()
}

func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}
