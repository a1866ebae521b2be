package main

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"github.com/dep2p/swarmnet/core/crypto"
	"github.com/dep2p/swarmnet/core/peer"
	"github.com/dep2p/swarmnet/core/pnet"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var (
		out     string
		keyType string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "生成节点私钥并打印节点 ID",
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ, err := parseKeyType(keyType)
			if err != nil {
				return err
			}
			priv, _, err := crypto.GenerateKeyPair(typ)
			if err != nil {
				return err
			}
			id, err := peer.IDFromPrivateKey(priv)
			if err != nil {
				return err
			}
			b, err := crypto.MarshalPrivateKey(priv)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd, out, []byte(crypto.ConfigEncodeKey(b)+"\n")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "节点 ID:", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "输出文件,默认写到标准输出")
	cmd.Flags().StringVarP(&keyType, "type", "t", "ed25519", "密钥类型: ed25519, secp256k1")
	return cmd
}

func parseKeyType(s string) (crypto.KeyType, error) {
	for _, typ := range crypto.KeyTypes {
		if strings.EqualFold(typ.String(), s) {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("不支持的密钥类型: %s", s)
}

func newPSKCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "psk",
		Short: "生成私有网络的预共享密钥",
		RunE: func(cmd *cobra.Command, _ []string) error {
			psk := make(pnet.PSK, 32)
			if _, err := rand.Read(psk); err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := pnet.EncodeV1PSK(&buf, psk); err != nil {
				return err
			}
			return writeOutput(cmd, out, buf.Bytes())
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "输出文件,默认写到标准输出")
	return cmd
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return nil
}

// loadIdentity 读取 keygen 生成的私钥文件
func loadIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := crypto.ConfigDecodeKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("解码私钥失败: %w", err)
	}
	return crypto.UnmarshalPrivateKey(b)
}

// loadPSK 读取 psk 生成的预共享密钥文件
func loadPSK(path string) (pnet.PSK, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pnet.DecodeV1PSK(f)
}
