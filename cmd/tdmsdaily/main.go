// Command tdmsdaily ingests TDMS measurement exports, converts them to
// delimited day tables, and exports completed days as Parquet.
package main

import (
	"fmt"
	"os"

	"github.com/tdmstools/tdms-daily/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
