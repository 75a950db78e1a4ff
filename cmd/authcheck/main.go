package main

import (
	"os"

	"github.com/gpustack-ui/chat-auth-service/internal/tools/authcheck"
)

func main() {
	if err := authcheck.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
