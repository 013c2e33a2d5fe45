package main

import (
	"fmt"
	"os"

	"github.com/server71234-lang/free-vps/common/version"
	"github.com/server71234-lang/free-vps/internal/freevps/app"
)

func main() {
	fmt.Printf("free-vps control plane\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	freevps, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize free-vps: %v\n", err)
		os.Exit(1)
	}
	defer freevps.Stop()

	if err := freevps.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running free-vps: %v\n", err)
		os.Exit(1)
	}
}
