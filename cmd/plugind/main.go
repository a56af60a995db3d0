package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// 构建时通过 -ldflags 注入。
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// main 是 plugind 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand(version, commit, date).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "plugind:", err)
		os.Exit(1)
	}
}
