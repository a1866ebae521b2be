package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/sec"
	"github.com/dep2p/swarmnet/p2p/host/peerstore"
	"github.com/dep2p/swarmnet/p2p/net/upgrader"

	ma "github.com/multiformats/go-multiaddr"
)

var (
	// ErrMalformedAddress 表示地址不以 /p2p/<id> 结尾
	ErrMalformedAddress = peer.ErrInvalidAddr
	// ErrSelfRegistration 表示尝试注册本地节点
	ErrSelfRegistration = peerstore.ErrSelfRegistration
	// ErrSwarmNotRunning 表示 swarm 尚未启动或已经关闭
	ErrSwarmNotRunning = errors.New("swarm 未运行")
	// ErrNoReachableAddress 表示没有可以拨号的候选地址
	ErrNoReachableAddress = errors.New("没有可达的地址")
	// ErrDialTimeout 表示拨号在超时时间内没有完成
	ErrDialTimeout = errors.New("拨号超时")
	// ErrProtocolNotSupported 表示对方不支持请求的协议
	ErrProtocolNotSupported = upgrader.ErrProtocolNotSupported
	// ErrUnsupportedTransport 表示没有传输层可以处理该地址
	ErrUnsupportedTransport = errors.New("没有支持该地址的传输层")
	// ErrAlreadyListening 表示已经在该地址上监听
	ErrAlreadyListening = errors.New("已经在监听该地址")
	// ErrDuplicateInboundAttempt 表示来自同一远程地址的入站连接正在协商
	ErrDuplicateInboundAttempt = errors.New("来自同一地址的入站连接正在协商")
	// ErrDialToSelf 表示尝试拨号本地节点
	ErrDialToSelf = errors.New("不能拨号到自己")
	// ErrConnClosed 表示在已关闭的连接上操作
	ErrConnClosed = errors.New("连接已关闭")
)

// Outcome 描述调用方应该如何处理一个错误
type Outcome int

const (
	// OutcomeNone 表示没有错误
	OutcomeNone Outcome = iota
	// OutcomeCaller 表示错误应该返回给发起操作的调用方
	OutcomeCaller
	// OutcomeRecoverable 表示可达性失败,应进入退避后重试
	OutcomeRecoverable
	// OutcomeBackground 表示后台任务的失败,只记录日志
	OutcomeBackground
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeCaller:
		return "caller"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeBackground:
		return "background"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify 将错误归入三类处理方式之一
// 参数:
//   - err: error 要分类的错误
//
// 返回值:
//   - Outcome: 错误的处理方式,err 为 nil 时返回 OutcomeNone
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeNone
	}

	var dialErr *DialError
	var mismatch sec.ErrPeerIDMismatch
	var nerr net.Error
	switch {
	case errors.Is(err, ErrDuplicateInboundAttempt),
		errors.Is(err, ErrConnClosed),
		errors.Is(err, ErrSwarmNotRunning),
		errors.Is(err, context.Canceled):
		return OutcomeBackground
	case errors.As(err, &dialErr),
		errors.Is(err, ErrNoReachableAddress),
		errors.Is(err, ErrDialTimeout),
		errors.Is(err, ErrProtocolNotSupported),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &mismatch):
		return OutcomeRecoverable
	case errors.As(err, &nerr):
		return OutcomeRecoverable
	default:
		return OutcomeCaller
	}
}

// maxDialDialErrors 是 DialError 中记录的最大错误数量
const maxDialDialErrors = 16

// DialError 是并行拨号全部失败时返回的聚合错误
type DialError struct {
	// Peer 是目标节点
	Peer peer.ID
	// DialErrors 记录每个候选地址的错误
	DialErrors []TransportError
	// Cause 是整体失败的原因,例如共享的超时
	Cause error
	// Skipped 是超出上限没有记录的错误数量
	Skipped int
}

// Timeout 判断拨号是否因为超时而失败
func (e *DialError) Timeout() bool {
	return errors.Is(e.Cause, ErrDialTimeout) || os.IsTimeout(e.Cause)
}

func (e *DialError) recordErr(addr ma.Multiaddr, err error) {
	if len(e.DialErrors) >= maxDialDialErrors {
		e.Skipped++
		return
	}
	e.DialErrors = append(e.DialErrors, TransportError{Address: addr, Cause: err})
}

func (e *DialError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "拨号 %s 失败:", e.Peer)
	if e.Cause != nil {
		fmt.Fprintf(&builder, " %s", e.Cause)
	}
	for _, te := range e.DialErrors {
		fmt.Fprintf(&builder, "\n  * [%s] %s", te.Address, te.Cause)
	}
	if e.Skipped > 0 {
		fmt.Fprintf(&builder, "\n    ... 跳过 %d 个错误 ...", e.Skipped)
	}
	return builder.String()
}

// Unwrap 返回整体原因和每个地址的错误
func (e *DialError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, len(e.DialErrors)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for i := range e.DialErrors {
		errs = append(errs, &e.DialErrors[i])
	}
	return errs
}

var _ error = (*DialError)(nil)

// TransportError 是拨号单个地址时的错误
type TransportError struct {
	Address ma.Multiaddr
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("拨号 %s 失败: %s", e.Address, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

var _ error = (*TransportError)(nil)
