package singlewriter

import (
	"context"
	"sync"
)

// Future 是一次性完成的异步结果，成功或失败只会被设置一次
type Future[R any] struct {
	done  chan struct{}
	once  sync.Once
	value R
	err   error
}

func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func Resolved[R any](value R) *Future[R] {
	f := NewFuture[R]()
	f.Complete(value, nil)
	return f
}

func Failed[R any](err error) *Future[R] {
	f := NewFuture[R]()
	var zero R
	f.Complete(zero, err)
	return f
}

// Complete 设置结果，返回是否为首次完成
func (f *Future[R]) Complete(value R, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		completed = true
		close(f.done)
	})
	return completed
}

func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[R]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get 等待结果；ctx 结束只会停止等待，不会取消任务本身
func (f *Future[R]) Get(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (f *Future[R]) Wait() (R, error) {
	<-f.done
	return f.value, f.err
}

// Then 在 f 成功后执行 fn，回调运行在独立的 goroutine 中，不占用 bucket 的执行上下文
func Then[R, S any](f *Future[R], fn func(R) (S, error)) *Future[S] {
	next := NewFuture[S]()
	go func() {
		value, err := f.Wait()
		if err != nil {
			var zero S
			next.Complete(zero, err)
			return
		}
		next.Complete(fn(value))
	}()
	return next
}

// Chain 与 Then 相同，但 fn 返回新的 Future
func Chain[R, S any](f *Future[R], fn func(R) *Future[S]) *Future[S] {
	next := NewFuture[S]()
	go func() {
		value, err := f.Wait()
		if err != nil {
			var zero S
			next.Complete(zero, err)
			return
		}
		next.Complete(fn(value).Wait())
	}()
	return next
}

// AllOf 等待全部完成，按输入顺序返回结果；任意一个失败则返回第一个错误
func AllOf[R any](futures []*Future[R]) *Future[[]R] {
	all := NewFuture[[]R]()
	go func() {
		results := make([]R, len(futures))
		var firstErr error
		for i, f := range futures {
			value, err := f.Wait()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results[i] = value
		}
		if firstErr != nil {
			all.Complete(nil, firstErr)
			return
		}
		all.Complete(results, nil)
	}()
	return all
}
