package workqueue

// This file contains the background goroutine loop, which runs until the
// queue is stopped. The per-task logic lives in runTask and is tested directly.

// runLoop drains the task channel in order
func (q *Queue) runLoop() {
	defer q.wg.Done()

	for t := range q.tasks {
		q.runTask(t)
	}
}
