// Command svinit is a process-1 style service supervisor: it owns the
// service state machine, condition graph, hook/plugin dispatch and the
// event loop that drives them (spec.md's OVERVIEW). Parsing an on-disk
// service configuration format is out of scope here (spec.md §1's
// Non-goals) - this binary boots with the core options config.Load builds
// (defaults, an optional -config JSON file, SVINIT_* environment variables)
// and the embedder's own service registration.
package main

import (
	"flag"
	"fmt"
	"os"

	gonelog "github.com/One-com/gone/log"
	"github.com/halvardss/svinit/internal/config"
	"github.com/halvardss/svinit/internal/logging"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a JSON core-options file")
	flag.Parse()

	logging.SetOutput(gonelog.NewStdFormatter(os.Stderr, "svinit ", gonelog.LstdFlags))

	var opts config.Options
	var err error
	if cfgPath != "" {
		f, openErr := os.Open(cfgPath)
		if openErr != nil {
			fmt.Fprintf(os.Stderr, "svinit: %v\n", openErr)
			os.Exit(1)
		}
		defer f.Close()
		opts, err = config.Load(f)
	} else {
		opts, err = config.Load(nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "svinit: %v\n", err)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		logging.Log(logging.CRIT, "svinit exiting", "err", err.Error())
		os.Exit(1)
	}
}
