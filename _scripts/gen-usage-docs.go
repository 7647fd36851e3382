//go:build ignore
// +build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/go-delve/asyncstack/cmd/dlv-async/cmds"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New()
	if err := doc.GenMarkdownTree(root, usageDir); err != nil {
		log.Fatal(err)
	}
	// GenMarkdownTree ignores additional help topic commands.
	logCmd, _, err := cmds.New().Find([]string{"log"})
	if err != nil {
		log.Fatal(err)
	}
	if err := doc.GenMarkdownTree(logCmd, usageDir); err != nil {
		log.Fatal(err)
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "dlv-async.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to dlv-async.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [dlv-async log](dlv-async_log.md)\t - Help about logging flags")
}
