// Command repltail inspects a replication backlog's ring WAL directly from
// disk: its identity, retained offset window, and the raw command stream it
// carries, without going through a running replicad instance.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ardb/replbacklog/replication"
	"github.com/ardb/replbacklog/wal"
)

// ringGeometry is not persisted in the meta file, so this tool must be told
// the same total_size/segment_count the backlog was configured with; the
// defaults match config.Load's own Replication defaults.
type ringGeometry struct {
	size     int64
	segments int
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	statCmd := flag.NewFlagSet("stat", flag.ExitOnError)
	statDir := statCmd.String("dir", "", "path to the replication backlog's data directory")
	statSize := statCmd.Int64("size", 64*1024*1024, "ring total size in bytes, must match the running backlog's configuration")
	statSegments := statCmd.Int("segments", 8, "ring segment count, must match the running backlog's configuration")

	dumpCmd := flag.NewFlagSet("dump", flag.ExitOnError)
	dumpDir := dumpCmd.String("dir", "", "path to the replication backlog's data directory")
	dumpSize := dumpCmd.Int64("size", 64*1024*1024, "ring total size in bytes, must match the running backlog's configuration")
	dumpSegments := dumpCmd.Int("segments", 8, "ring segment count, must match the running backlog's configuration")
	dumpFrom := dumpCmd.Uint64("from", 0, "start offset (defaults to the retained StartOffset)")
	dumpTo := dumpCmd.Uint64("to", 0, "end offset (defaults to EndOffset)")
	dumpHex := dumpCmd.Bool("hex", false, "render payloads as hex instead of raw text")

	tailCmd := flag.NewFlagSet("tail", flag.ExitOnError)
	tailDir := tailCmd.String("dir", "", "path to the replication backlog's data directory")
	tailSize := tailCmd.Int64("size", 64*1024*1024, "ring total size in bytes, must match the running backlog's configuration")
	tailSegments := tailCmd.Int("segments", 8, "ring segment count, must match the running backlog's configuration")
	tailInterval := tailCmd.Duration("interval", time.Second, "poll interval")

	switch os.Args[1] {
	case "stat":
		statCmd.Parse(os.Args[2:])
		handleStat(*statDir, ringGeometry{*statSize, *statSegments})
	case "dump":
		dumpCmd.Parse(os.Args[2:])
		handleDump(*dumpDir, ringGeometry{*dumpSize, *dumpSegments}, *dumpFrom, *dumpTo, *dumpHex)
	case "tail":
		tailCmd.Parse(os.Args[2:])
		handleTail(*tailDir, ringGeometry{*tailSize, *tailSegments}, *tailInterval)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: repltail <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  stat - Print identity and retained offset window")
	fmt.Println("  dump - Replay the raw byte stream in a [from, to) range")
	fmt.Println("  tail - Follow newly appended bytes")
	fmt.Println("\nUse 'repltail <command> -h' for more information on a specific command.")
}

// openReadOnly opens the ring without ever creating one, since this tool
// only ever inspects an existing backlog. geo must match the size/segment
// count the backlog was originally configured with: those values size
// each segment file and are not themselves persisted in the meta record.
func openReadOnly(dir string, geo ringGeometry) (*wal.WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("-dir is required")
	}
	return wal.Open(wal.Options{
		Dir:              dir,
		TotalSize:        geo.size,
		SegmentCount:     geo.segments,
		CreateIfNotExist: false,
	})
}

func handleStat(dir string, geo ringGeometry) {
	w, err := openReadOnly(dir, geo)
	if err != nil {
		fmt.Printf("Error opening backlog: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	meta := replication.NewReplMetaView(w.UserMeta())
	fmt.Printf("server_key:   %s\n", meta.ServerKey())
	fmt.Printf("repl_key:     %s (self_generated=%v)\n", meta.ReplKey(), meta.ReplKeySelfGenerated())
	if ns, ok := meta.SelectNamespace(); ok {
		fmt.Printf("namespace:    %s\n", ns)
	} else {
		fmt.Println("namespace:    (none)")
	}
	fmt.Printf("start_offset: %d\n", w.StartOffset())
	fmt.Printf("end_offset:   %d\n", w.EndOffset())
	fmt.Printf("cksm:         0x%016x\n", w.Cksm())
	fmt.Printf("retained:     %d bytes\n", w.EndOffset()-w.StartOffset())
}

func handleDump(dir string, geo ringGeometry, from, to uint64, asHex bool) {
	w, err := openReadOnly(dir, geo)
	if err != nil {
		fmt.Printf("Error opening backlog: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	if from == 0 {
		from = w.StartOffset()
	}
	if to == 0 {
		to = w.EndOffset()
	}

	// The ring carries no record framing, so Replay hands back contiguous
	// raw chunks split only at segment boundaries, not at command
	// boundaries; collect the full range before rendering it.
	var raw []byte
	err = w.Replay(context.Background(), from, to, func(data []byte) error {
		raw = append(raw, data...)
		return nil
	})
	if err != nil {
		fmt.Printf("Error replaying range [%d, %d): %v\n", from, to, err)
		os.Exit(1)
	}
	if asHex {
		fmt.Println(hex.EncodeToString(raw))
	} else {
		os.Stdout.Write(raw)
		if len(raw) > 0 && raw[len(raw)-1] != '\n' {
			fmt.Println()
		}
	}
	fmt.Printf("-- %d bytes replayed --\n", len(raw))
}

func handleTail(dir string, geo ringGeometry, interval time.Duration) {
	w, err := openReadOnly(dir, geo)
	if err != nil {
		fmt.Printf("Error opening backlog: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	cur := w.EndOffset()
	if isTerminal() {
		fmt.Printf("tailing from offset %d (ctrl+c to stop)\n", cur)
	} else {
		fmt.Fprintf(os.Stderr, "tailing from offset %d\n", cur)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			fmt.Println("\nstopped.")
			return
		case <-ticker.C:
			end := w.EndOffset()
			if end <= cur {
				continue
			}
			err := w.Replay(context.Background(), cur, end, func(data []byte) error {
				os.Stdout.Write(data)
				return nil
			})
			if err != nil {
				fmt.Printf("Error tailing: %v\n", err)
				return
			}
			cur = end
		}
	}
}

// isTerminal reports whether stdout is an interactive terminal, used to
// decide whether tail prints its opening status line to stdout (with the
// ctrl+c hint) or to stderr.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
