// inspect dumps checkpoints or projection documents from a projectd store.
package main

import (
	"flag"
	"fmt"
	"os"

	"projectd/pkg/logger"
	"projectd/pkg/store"
)

func main() {
	var dbPath, prefix string
	flag.StringVar(&dbPath, "db", "./.database/store", "pebble store path")
	flag.StringVar(&prefix, "prefix", "checkpoint:", "key prefix to scan (checkpoint:, proj:<collection>:, idx:)")
	flag.Parse()
	logger.Init()

	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	count := 0
	err = db.ScanPrefix([]byte(prefix), func(key, value []byte) bool {
		fmt.Printf("%s\t%s\n", key, value)
		count++
		return true
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", count)
}
