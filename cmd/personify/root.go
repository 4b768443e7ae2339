package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "personify"}

	root.AddCommand(serveCMD(), migrateCMD(), pipelineCMD(), detectCMD())
	_ = root.Execute()
}
