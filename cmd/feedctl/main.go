// feedctl appends change records to a projectd change log, one JSON document
// per stdin line, and prints log stats. Useful for local testing and for
// producers that run out of process.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"projectd/pkg/feed"
	"projectd/pkg/feed/walfeed"
	"projectd/pkg/logger"
)

func main() {
	var dir, op string
	var maxSize int64
	var stats bool
	flag.StringVar(&dir, "dir", "", "change log directory (required)")
	flag.StringVar(&op, "op", "insert", "operation kind: insert|update|replace|delete")
	flag.Int64Var(&maxSize, "max-file-size", 64<<20, "segment rotation size in bytes")
	flag.BoolVar(&stats, "stats", false, "print log stats and exit")
	flag.Parse()
	logger.Init()

	if dir == "" {
		fmt.Fprintln(os.Stderr, "--dir required")
		os.Exit(2)
	}
	kind, err := feed.ParseOpKind(op)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	log, err := walfeed.Open(walfeed.Options{Dir: dir, MaxFileSize: maxSize})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open change log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if stats {
		fmt.Printf("oldest=%d newest=%d\n", log.OldestSeq(), log.NewestSeq())
		return
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		seq, err := log.Append(kind, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "append failed: %v\n", err)
			os.Exit(1)
		}
		n++
		fmt.Printf("%d\n", seq)
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "appended %d records\n", n)
}
