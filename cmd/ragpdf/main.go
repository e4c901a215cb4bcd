// Command ragpdf is the entry point for the document question-answering
// engine. It uploads and indexes documents, answers questions grounded on
// them, and serves the same operations over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/akshyv/rag-pdf/cmd/ragpdf/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.Styles().Error.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
