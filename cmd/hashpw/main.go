// Package main は ADMIN_PASSWORD_HASH に設定するクレデンシャルを生成するコマンドです。
//
//	go run ./cmd/hashpw 'my-password'
//	echo -n 'my-password' | go run ./cmd/hashpw
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yourusername/packsale-admin/internal/password"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: hashpw [password]  (省略時は標準入力から読み込みます)")
	}
	flag.Parse()

	pw, err := readPassword(flag.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hashpw:", err)
		os.Exit(1)
	}

	record, err := password.NewHasher(password.DefaultParams).Hash(pw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hashpw:", err)
		os.Exit(1)
	}
	fmt.Println(record.String())
}

// readPassword は引数、なければ入力の1行目をパスワードとして返します。
func readPassword(args []string, in io.Reader) (string, error) {
	if len(args) > 1 {
		return "", fmt.Errorf("too many arguments")
	}
	if len(args) == 1 {
		if args[0] == "" {
			return "", fmt.Errorf("password is empty")
		}
		return args[0], nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password is empty")
	}
	return line, nil
}
