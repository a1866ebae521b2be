// Package ping 实现 32 字节回显的往返时延测量协议
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	mrand "math/rand"
	"time"

	"github.com/dep2p/swarmnet/core/network"

	logging "github.com/dep2p/log"
	pool "github.com/libp2p/go-buffer-pool"
)

var log = logging.Logger("protocol-ping")

const (
	// PingSize 是每次 ping 的负载大小
	PingSize = 32
	// ID 是 ping 协议的协议 ID
	ID = "/ipfs/ping/1.0.0"

	pingTimeout  = 10 * time.Second
	pingDuration = 30 * time.Second
)

var errWrongPingAck = errors.New("ping 响应数据不匹配")

// PingHandler 是 ping 协议的流处理函数,把收到的每个负载原样写回
// 空闲超过 pingTimeout 或总时长超过 pingDuration 时关闭流
func PingHandler(s network.Stream) {
	s.SetDeadline(time.Now().Add(pingDuration))

	buf := pool.Get(PingSize)
	defer pool.Put(buf)

	errCh := make(chan error, 1)
	defer close(errCh)
	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()

	go func() {
		select {
		case <-timer.C:
			log.Debugf("ping 超时")
		case err, ok := <-errCh:
			if ok && !errors.Is(err, io.EOF) {
				log.Debugf("ping 循环失败: %s", err)
			}
		}
		s.Close()
	}()

	for {
		if _, err := io.ReadFull(s, buf); err != nil {
			errCh <- err
			return
		}
		if _, err := s.Write(buf); err != nil {
			errCh <- err
			return
		}
		timer.Reset(pingTimeout)
	}
}

// Result 是一次 ping 的结果
type Result struct {
	RTT   time.Duration
	Error error
}

// Ping 在 s 上持续 ping,直到 ctx 取消或出错
// 返回的通道在结束时关闭,流在结束时被重置
func Ping(ctx context.Context, s network.Stream) <-chan Result {
	ra, err := newRand()
	if err != nil {
		s.Reset()
		ch := make(chan Result, 1)
		ch <- Result{Error: err}
		close(ch)
		return ch
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Result)
	go func() {
		defer close(out)
		defer cancel()
		for ctx.Err() == nil {
			var res Result
			res.RTT, res.Error = ping(s, ra)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			if res.Error != nil {
				return
			}
		}
	}()
	context.AfterFunc(ctx, func() {
		s.Reset()
	})
	return out
}

// PingOnce 在 s 上执行一次 ping 并关闭流
func PingOnce(ctx context.Context, s network.Stream) (time.Duration, error) {
	defer s.Close()
	ra, err := newRand()
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { s.Reset() })
	defer stop()

	rtt, err := ping(s, ra)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	return rtt, err
}

func newRand() (io.Reader, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		log.Errorf("获取加密随机数失败: %s", err)
		return nil, err
	}
	return mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(b)))), nil
}

func ping(s network.Stream, randReader io.Reader) (time.Duration, error) {
	buf := pool.Get(PingSize)
	defer pool.Put(buf)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return 0, err
	}

	before := time.Now()
	if _, err := s.Write(buf); err != nil {
		s.Reset()
		return 0, err
	}

	rbuf := pool.Get(PingSize)
	defer pool.Put(rbuf)
	if _, err := io.ReadFull(s, rbuf); err != nil {
		s.Reset()
		return 0, err
	}
	if !bytes.Equal(buf, rbuf) {
		s.Reset()
		return 0, errWrongPingAck
	}
	return time.Since(before), nil
}
