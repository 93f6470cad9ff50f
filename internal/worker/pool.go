package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// RunJob 待执行的运行
type RunJob struct {
	RunID     string
	APKPath   string
	SourceDir string
	resultCh  chan error // 用于同步等待运行完成
}

// Pool Worker 池
// Worker 数量应不大于设备数：每个运行独占一台设备，
// 多余的 worker 只会阻塞在设备获取上
type Pool struct {
	workers      int
	jobChan      chan *RunJob
	orchestrator *Orchestrator
	logger       *logrus.Logger
	wg           sync.WaitGroup
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, orchestrator *Orchestrator, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:      workers,
		jobChan:      make(chan *RunJob, queueSize),
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Job channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"run_id":    job.RunID,
				"apk_path":  job.APKPath,
			}).Info("Processing run")

			err := p.orchestrator.ExecuteRun(ctx, job.RunID, job.APKPath, job.SourceDir)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id": id,
					"run_id":    job.RunID,
				}).Error("Run execution failed")
			} else {
				p.logger.WithFields(logrus.Fields{
					"worker_id": id,
					"run_id":    job.RunID,
				}).Info("Run completed successfully")
			}

			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// Submit 提交运行（异步，不等待结果）
func (p *Pool) Submit(job *RunJob) error {
	select {
	case p.jobChan <- job:
		p.logger.WithField("run_id", job.RunID).Debug("Run submitted to pool")
		return nil
	default:
		return fmt.Errorf("run queue is full")
	}
}

// SubmitAndWait 提交运行并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *RunJob) error {
	job.resultCh = make(chan error, 1)

	select {
	case p.jobChan <- job:
		p.logger.WithField("run_id", job.RunID).Debug("Run submitted to pool (sync)")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	close(p.jobChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的运行数
func (p *Pool) QueueSize() int {
	return len(p.jobChan)
}
