// Package main 启动 curatevault 命令行.
package main

import (
	"os"

	"github.com/yeisme/curatevault/pkg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
