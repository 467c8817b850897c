package persistence

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
)

// ChunkCursor 分块遍历的位置：当前 bucket 以及该 bucket 中最后读到的 key。零值表示从头开始
type ChunkCursor struct {
	bucket  int
	lastKey string
}

func (c ChunkCursor) Bucket() int {
	return c.bucket
}

// Encode 编码为可在外部传递的字符串
func (c ChunkCursor) Encode() string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(c.bucket) + ":" + c.lastKey))
}

func DecodeChunkCursor(s string) (ChunkCursor, error) {
	if s == "" {
		return ChunkCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ChunkCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	bucketPart, lastKey, ok := strings.Cut(string(raw), ":")
	if !ok {
		return ChunkCursor{}, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}
	bucket, err := strconv.Atoi(bucketPart)
	if err != nil || bucket < 0 {
		return ChunkCursor{}, fmt.Errorf("%w: bad bucket %q", ErrInvalidCursor, bucketPart)
	}
	return ChunkCursor{bucket: bucket, lastKey: lastKey}, nil
}

type Chunk[V any] struct {
	Entries []V
	Cursor  ChunkCursor
	// Done 为 true 时已遍历完全部 bucket
	Done bool
}

type chunkReader[V any] func(bucket int, afterKey string, limit int) ([]V, error)

// getChunk 从 cursor 所在 bucket 继续读取，每次读取都是对该 bucket 的一次提交；
// 当前 bucket 读完且没有结果时顺延到下一个 bucket，单个 chunk 不跨 bucket
func getChunk[V any](
	engine *singlewriter.Engine,
	cursor ChunkCursor,
	maxSize int,
	read chunkReader[V],
	key func(V) string,
	keep func(V) (V, bool),
) *singlewriter.Future[Chunk[V]] {
	if maxSize <= 0 {
		return singlewriter.Failed[Chunk[V]](fmt.Errorf("%w: %d", ErrInvalidChunkSize, maxSize))
	}
	if cursor.bucket >= engine.BucketCount() {
		return singlewriter.Failed[Chunk[V]](fmt.Errorf("%w: bucket %d out of range", ErrInvalidCursor, cursor.bucket))
	}

	result := singlewriter.NewFuture[Chunk[V]]()
	go func() {
		for {
			page, err := singlewriter.SubmitBucket(engine, cursor.bucket, func(bucket int) ([]V, error) {
				// 多读一条用于判断 bucket 是否还有剩余
				return read(bucket, cursor.lastKey, maxSize+1)
			}).Wait()
			if err != nil {
				result.Complete(Chunk[V]{}, err)
				return
			}

			next := ChunkCursor{bucket: cursor.bucket + 1}
			if len(page) > maxSize {
				page = page[:maxSize]
				next = ChunkCursor{bucket: cursor.bucket, lastKey: key(page[len(page)-1])}
			}
			done := next.bucket >= engine.BucketCount()

			entries := make([]V, 0, len(page))
			for _, v := range page {
				if kept, ok := keep(v); ok {
					entries = append(entries, kept)
				}
			}
			if len(entries) > 0 || done {
				result.Complete(Chunk[V]{Entries: entries, Cursor: next, Done: done}, nil)
				return
			}
			cursor = next
		}
	}()
	return result
}

// Iterate 从头遍历到结束，fn 返回错误时停止
func Iterate[V any](ctx context.Context, fetch func(cursor ChunkCursor) *singlewriter.Future[Chunk[V]], fn func(entries []V) error) error {
	cursor := ChunkCursor{}
	for {
		chunk, err := fetch(cursor).Get(ctx)
		if err != nil {
			return err
		}
		if len(chunk.Entries) > 0 {
			if err := fn(chunk.Entries); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
		cursor = chunk.Cursor
	}
}
