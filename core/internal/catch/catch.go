// Package catch 把密钥操作中的 panic 转换为错误
package catch

import (
	"fmt"
	"runtime/debug"

	logging "github.com/dep2p/log"
)

var log = logging.Logger("core-catch")

// HandlePanic 处理并记录panic信息
// 参数:
//   - rerr: recover() 的返回值
//   - err: 用于存储格式化后的错误信息的指针
//   - where: 发生panic的位置描述
func HandlePanic(rerr interface{}, err *error, where string) {
	if rerr != nil {
		log.Errorf("捕获到 panic: %s\n%s", rerr, debug.Stack())
		*err = fmt.Errorf("%s 发生 panic: %s", where, rerr)
	}
}
