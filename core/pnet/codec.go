package pnet

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	logging "github.com/dep2p/log"
)

var log = logging.Logger("core-pnet")

// PSK 文件格式:
//
//	/key/swarm/psk/1.0.0/
//	/base16/            (或 /base64/、/bin/)
//	<32 字节密钥的编码>
var (
	pathPSKv1  = []byte("/key/swarm/psk/1.0.0/")
	pathBin    = "/bin/"
	pathBase16 = "/base16/"
	pathBase64 = "/base64/"
)

// pskLength 是预共享密钥的固定长度
const pskLength = 32

// readLine 读取一行并去掉行尾的换行符
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// DecodeV1PSK 从 V1 格式的 PSK 文件中读取预共享密钥
// 参数:
//   - in: io.Reader PSK 文件内容
//
// 返回值:
//   - PSK: 32 字节的预共享密钥
//   - error: 文件头或编码不正确时返回私有网络错误
func DecodeV1PSK(in io.Reader) (PSK, error) {
	reader := bufio.NewReader(in)

	header, err := readLine(reader)
	if err != nil {
		log.Debugf("读取PSK文件头失败: %v", err)
		return nil, err
	}
	if !bytes.Equal(header, pathPSKv1) {
		return nil, NewError(fmt.Sprintf("预期文件头为%s, 实际为%s", pathPSKv1, header))
	}

	encoding, err := readLine(reader)
	if err != nil {
		log.Debugf("读取编码类型头失败: %v", err)
		return nil, err
	}

	var decoder io.Reader
	switch string(encoding) {
	case pathBase16:
		decoder = hex.NewDecoder(reader)
	case pathBase64:
		decoder = base64.NewDecoder(base64.StdEncoding, reader)
	case pathBin:
		decoder = reader
	default:
		return nil, NewError(fmt.Sprintf("未知编码: %s", encoding))
	}

	out := make([]byte, pskLength)
	if _, err = io.ReadFull(decoder, out); err != nil {
		log.Debugf("读取PSK失败: %v", err)
		return nil, NewError(fmt.Sprintf("读取PSK失败: %v", err))
	}
	return out, nil
}

// EncodeV1PSK 以 base16 格式写出 V1 格式的 PSK 文件
// 参数:
//   - w: io.Writer 输出目标
//   - psk: PSK 32 字节的预共享密钥
//
// 返回值:
//   - error: 长度不正确或写入失败时返回错误
func EncodeV1PSK(w io.Writer, psk PSK) error {
	if len(psk) != pskLength {
		return NewError(fmt.Sprintf("PSK 长度必须为 %d 字节, 实际为 %d", pskLength, len(psk)))
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n", pathPSKv1, pathBase16, hex.EncodeToString(psk))
	return err
}
