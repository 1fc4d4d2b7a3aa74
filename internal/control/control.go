// Package control 处理异步的缓存控制消息（download / clear）。
// 提交后立即返回任务 ID，任务在后台执行，状态只保存在内存中。
package control

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/model-hub/internal/manifest"
	"github.com/any-hub/model-hub/internal/modelcache"
)

// Kind 区分任务类型。
type Kind string

const (
	KindDownload Kind = "download"
	KindClear    Kind = "clear"
)

// State 为任务状态。
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// ErrClosed 表示 Manager 已关闭，不再接受新任务。
var ErrClosed = errors.New("control manager closed")

// Cache 是 Manager 对编排层的依赖，*modelcache.Cache 满足该接口。
type Cache interface {
	Prefetch(ctx context.Context, m manifest.Manifest) ([]modelcache.Outcome, error)
	Evict(ctx context.Context, urls []string) error
}

// Job 是任务的只读快照。
type Job struct {
	ID         string               `json:"id"`
	Kind       Kind                 `json:"kind"`
	State      State                `json:"state"`
	CreatedAt  time.Time            `json:"created_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Items      []modelcache.Outcome `json:"items,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Manager 调度并记录控制任务。
type Manager struct {
	cache  Cache
	logger *logrus.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
	// maxJobs 限制保留的已完成任务数量，超出时淘汰最早完成的任务。
	maxJobs int
}

// NewManager 构造 Manager。logger 为 nil 时丢弃日志。
func NewManager(cache Cache, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cache:   cache,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
		maxJobs: 256,
	}
}

// SubmitDownload 异步预取清单中的全部资源。
func (m *Manager) SubmitDownload(payload manifest.Manifest) (Job, error) {
	return m.submit(KindDownload, func(ctx context.Context) ([]modelcache.Outcome, error) {
		return m.cache.Prefetch(ctx, payload)
	})
}

// SubmitClear 异步驱逐给定 URL，每个 URL 单独记录结果。
func (m *Manager) SubmitClear(urls []string) (Job, error) {
	targets := append([]string(nil), urls...)
	return m.submit(KindClear, func(ctx context.Context) ([]modelcache.Outcome, error) {
		items := make([]modelcache.Outcome, 0, len(targets))
		var errs []error
		for _, target := range targets {
			item := modelcache.Outcome{URL: target, Status: http.StatusOK}
			if err := m.cache.Evict(ctx, []string{target}); err != nil {
				item.Status = 0
				item.Error = err.Error()
				errs = append(errs, err)
			}
			items = append(items, item)
		}
		return items, errors.Join(errs...)
	})
}

func (m *Manager) submit(kind Kind, run func(ctx context.Context) ([]modelcache.Outcome, error)) (Job, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Job{}, ErrClosed
	}
	job := &Job{
		ID:        ksuid.New().String(),
		Kind:      kind,
		State:     StateRunning,
		CreatedAt: m.now(),
	}
	m.jobs[job.ID] = job
	snapshot := cloneJob(job)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		items, err := run(m.ctx)
		m.complete(job.ID, items, err)
	}()

	m.logger.WithFields(logrus.Fields{"action": "control", "job_id": job.ID, "kind": kind}).Info("job_submitted")
	return snapshot, nil
}

func (m *Manager) complete(id string, items []modelcache.Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return
	}
	finished := m.now()
	job.FinishedAt = &finished
	job.Items = items
	job.State = StateDone
	if err != nil {
		job.State = StateFailed
		job.Error = err.Error()
	}

	fields := logrus.Fields{"action": "control", "job_id": id, "kind": job.Kind, "items": len(items)}
	if err != nil {
		m.logger.WithError(err).WithFields(fields).Warn("job_failed")
	} else {
		m.logger.WithFields(fields).Info("job_done")
	}
	m.pruneLocked()
}

// pruneLocked 在超出上限时删除最早完成的任务，运行中的任务不会被删除。
func (m *Manager) pruneLocked() {
	if len(m.jobs) <= m.maxJobs {
		return
	}
	finished := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.FinishedAt != nil {
			finished = append(finished, job)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].FinishedAt.Before(*finished[j].FinishedAt)
	})
	for _, job := range finished {
		if len(m.jobs) <= m.maxJobs {
			return
		}
		delete(m.jobs, job.ID)
	}
}

// Get 返回任务快照。
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return cloneJob(job), true
}

// List 返回所有任务快照，按创建时间排序。
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		result = append(result, cloneJob(job))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Close 取消在途任务并等待其退出。
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func cloneJob(job *Job) Job {
	out := *job
	out.Items = append([]modelcache.Outcome(nil), job.Items...)
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
