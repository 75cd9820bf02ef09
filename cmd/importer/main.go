package main

import "github.com/yungbote/memory-import/internal/cli"

// version is injected by the linker via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
