package modelcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/fetcher"
)

// Progress 是下载会话推送的进度事件，按 Offset 单调递增。
type Progress struct {
	Key    cache.ResourceKey
	Offset int64
	Total  int64
}

// SessionStatus 是 /-/status 展示的在途会话快照。
type SessionStatus struct {
	Key         string    `json:"key"`
	Offset      int64     `json:"offset"`
	Total       int64     `json:"total"`
	Subscribers int       `json:"subscribers"`
	StartedAt   time.Time `json:"started_at"`
}

// session 是某个 ResourceKey 唯一的下载会话，由所有等待该资源的请求共享。
type session struct {
	key     cache.ResourceKey
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// 以下字段受 sessionTable.mu 保护
	refs     int
	offset   int64
	total    int64
	watchers map[int]chan Progress
	nextID   int

	// done 关闭后只读
	result *fetcher.Result
	err    error
}

// sessionTable 是 ResourceKey → session 的所有权表，按订阅者引用计数。
type sessionTable struct {
	mu       sync.Mutex
	sessions map[cache.ResourceKey]*session
	now      func() time.Time
}

func newSessionTable(now func() time.Time) *sessionTable {
	return &sessionTable{
		sessions: make(map[cache.ResourceKey]*session),
		now:      now,
	}
}

// join 加入已有会话或创建新会话；leader 为 true 时调用方负责启动下载。
// 已被取消但尚未结束的会话不会被复用：等它退出后再新建，保证同一 key 只有一个写入者。
func (t *sessionTable) join(ctx context.Context, key cache.ResourceKey) (*session, bool, error) {
	t.mu.Lock()
	for {
		s, ok := t.sessions[key]
		if !ok {
			break
		}
		if s.ctx.Err() == nil {
			s.refs++
			t.mu.Unlock()
			return s, false, nil
		}
		t.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		t.mu.Lock()
	}
	defer t.mu.Unlock()

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		key:      key,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  t.now(),
		refs:     1,
		total:    cache.UnknownSize,
		watchers: make(map[int]chan Progress),
	}
	t.sessions[key] = s
	return s, true, nil
}

// leave 释放一个引用；最后一个订阅者离开且下载未结束时取消会话。
func (t *sessionTable) leave(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	select {
	case <-s.done:
	default:
		s.cancel()
	}
}

// finish 记录结果、从表中移除会话并唤醒所有等待者。
func (t *sessionTable) finish(s *session, result *fetcher.Result, err error) {
	t.mu.Lock()
	if current, ok := t.sessions[s.key]; ok && current == s {
		delete(t.sessions, s.key)
	}
	s.result = result
	s.err = err
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	t.mu.Unlock()

	s.cancel()
	close(s.done)
}

// publish 更新会话进度并以非阻塞方式推送给订阅者；慢订阅者会丢失中间事件，
// 但收到的事件依旧有序。
func (t *sessionTable) publish(s *session, offset, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.offset = offset
	s.total = total
	event := Progress{Key: s.key, Offset: offset, Total: total}
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// watch 订阅指定 key 的在途会话。
func (t *sessionTable) watch(key cache.ResourceKey, buffer int) (<-chan Progress, func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[key]
	if !ok {
		return nil, func() {}, false
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Progress, buffer)
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch

	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if existing, ok := s.watchers[id]; ok {
				close(existing)
				delete(s.watchers, id)
			}
		})
	}
	return ch, stop, true
}

func (t *sessionTable) snapshot() []SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]SessionStatus, 0, len(t.sessions))
	for key, s := range t.sessions {
		result = append(result, SessionStatus{
			Key:         key.String(),
			Offset:      s.offset,
			Total:       s.total,
			Subscribers: s.refs,
			StartedAt:   s.started,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}

func (t *sessionTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		s.cancel()
	}
}
