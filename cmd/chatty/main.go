package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatty/cmd/chatty/cmds"
)

func main() {
	app := cmds.NewApp()
	rootCmd := cmds.NewRootCommand(app)
	err := rootCmd.Execute()
	_ = app.Close()
	cobra.CheckErr(err)
}
