package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"shellgate/internal/gate"
)

// terminalConfirmer 在控制终端上询问；stdin 不是终端时一律拒绝
type terminalConfirmer struct{}

func (terminalConfirmer) Confirm(ctx context.Context, req gate.ConfirmRequest) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errors.New("stdin 不是终端，无法确认")
	}
	return confirm(ctx, os.Stdin, os.Stderr, req)
}

func confirm(ctx context.Context, in io.Reader, out io.Writer, req gate.ConfirmRequest) (bool, error) {
	fmt.Fprintf(out, "\n  服务器: %s\n  命令:   %s\n  风险:   %s（%s）\n确认执行？[y/N] ",
		req.ProfileName, req.Command, req.Assessment.Level, req.Assessment.Reason)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(in).ReadString('\n')
		answer <- line
	}()
	select {
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// readPassphrase 不回显地读取配置文件口令
func readPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("配置文件已加密，请通过 passphrase_env 指定的环境变量提供口令")
	}
	fmt.Fprint(os.Stderr, "配置文件口令: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
