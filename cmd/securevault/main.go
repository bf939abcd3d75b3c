// Command securevault manages an encrypted vault of identity documents.
package main

import (
	"context"
	"os"
)

func main() {
	if err := execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
