// Package protocol 定义协议标识
package protocol

// ID 是用于在流中写入协议头的标识符
type ID string

const (
	// TestingID 用于测试目的的协议 ID
	TestingID ID = "/p2p/_testing"
)

// ConvertFromStrings 将字符串切片转换为协议 ID 切片
func ConvertFromStrings(ids []string) (res []ID) {
	res = make([]ID, 0, len(ids))
	for _, id := range ids {
		res = append(res, ID(id))
	}
	return res
}

// ConvertToStrings 将协议 ID 切片转换为字符串切片
func ConvertToStrings(ids []ID) (res []string) {
	res = make([]string, 0, len(ids))
	for _, id := range ids {
		res = append(res, string(id))
	}
	return res
}
