package readmodel

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "plugin-runtime/internal/errors"
)

// Handler 处理队列中的一条更新。返回错误时队列实现可以重新投递。
type Handler func(ctx context.Context, u Update) error

// Queue 把更新从发布方搬运到唯一的消费方。
// Consume 阻塞到 ctx 结束或队列关闭，同一队列只应有一个消费方，以保证更新顺序。
type Queue interface {
	Publish(ctx context.Context, u Update) error
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// MemoryQueue 使用 channel 作为队列，Close 后 Consume 处理完剩余更新再返回。
type MemoryQueue struct {
	ch     chan Update
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Update, size)}
}

// Publish 投递更新，缓冲区满时等待 ctx。
func (q *MemoryQueue) Publish(ctx context.Context, u Update) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- u:
		return nil
	}
}

// Consume 串行处理更新；handler 的错误只由 Writer 记录，不重新投递。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-q.ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, u)
		}
	}
}

// Close 关闭队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	return nil
}

func encodeUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码读模型更新失败")
	}
	return data, nil
}

func decodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析读模型更新失败")
	}
	return u, nil
}
