package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warningColor = color.New(color.FgYellow)
	boldColor    = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

func printKeyValue(w io.Writer, key, value string) {
	fmt.Fprintf(w, "%s: %s\n", boldColor.Sprint(key), value)
}

// confirm asks a yes/no question on the command streams.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	answer, err := readLine(cmd)
	if err != nil {
		return false
	}
	switch answer {
	case "y", "Y", "yes", "Yes", "YES":
		return true
	}
	return false
}
