package worker

import "sync"

type TaskType int64

const (
	TaskTypeStop TaskType = iota
	// TaskTypePressureCheck samples host memory and signals commit-soon to
	// running transactions when usage crosses the configured threshold.
	TaskTypePressureCheck
	// TaskTypeStatsFlush republishes slow-moving gauges kept by handlers.
	TaskTypeStatsFlush
)

type Task struct {
	Tp   TaskType
	Data interface{}
}

// Worker runs queued maintenance tasks on a single background goroutine.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if task.Tp == TaskTypeStop {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Name() string {
	return w.name
}

// Stop queues the stop sentinel; tasks already queued ahead of it still run.
func (w *Worker) Stop() {
	w.sender <- Task{Tp: TaskTypeStop}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
