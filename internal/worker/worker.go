package worker

// Worker runs jobs handed to it by the dispatcher through its private channel.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			// back into the idle list; a closed pool retires us instead
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.run(job)
		}
	}()
}
