// Command segkv-shell is an interactive REPL over a mapfile-backed segkv
// store, for poking at a segment by hand the way cmd/sloty does for the
// slot cache this module's locking and storage layout are adapted from.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/flowbyte/segkv/internal/mapfile"
	"github.com/flowbyte/segkv/pkg/segkv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "new":
		runNew(os.Args[2:])
	case "shell":
		runShell(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: segkv-shell new --path FILE [--segments N] [--config FILE]")
	fmt.Fprintln(os.Stderr, "       segkv-shell shell --path FILE")
}

func runNew(args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	path := fs.String("path", "", "mapfile to create")
	segments := fs.Int("segments", 4, "number of segments")
	configPath := fs.String("config", "", "HuJSON config file (optional)")
	_ = fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "--path is required")
		os.Exit(2)
	}

	fc := mapfile.DefaultFileConfig()

	if *configPath != "" {
		loaded, err := mapfile.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}

		fc = loaded
	}

	m, err := mapfile.Create(*path, fc.ToSegkvConfig(), *segments)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer m.Close()

	fmt.Printf("created %s with %d segments\n", *path, m.NumSegments())
}

func runShell(args []string) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	path := fs.String("path", "", "mapfile to open")
	_ = fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "--path is required")
		os.Exit(2)
	}

	m, err := mapfile.Open(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer m.Close()

	owner := m.NewOwner()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("segkv> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return
			}

			fmt.Fprintln(os.Stderr, "error:", err)

			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if !dispatch(m, owner, input) {
			return
		}
	}
}

func dispatch(m *mapfile.Map, owner *segkv.Owner, input string) bool {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "exit", "quit":
		return false
	case "help":
		printHelp()
	case "put":
		if len(args) != 2 {
			fmt.Println("usage: put KEY VALUE")

			break
		}

		if err := m.Put(owner, []byte(args[0]), []byte(args[1])); err != nil {
			fmt.Println("error:", err)
		}
	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get KEY")

			break
		}

		v, found, err := m.Get(owner, []byte(args[0]))
		switch {
		case err != nil:
			fmt.Println("error:", err)
		case !found:
			fmt.Println("(not found)")
		default:
			fmt.Println(string(v))
		}
	case "del":
		if len(args) != 1 {
			fmt.Println("usage: del KEY")

			break
		}

		removed, err := m.Remove(owner, []byte(args[0]))
		if err != nil {
			fmt.Println("error:", err)

			break
		}

		fmt.Println(removed)
	case "scan":
		runScan(m, owner, args)
	case "len":
		fmt.Println(m.Len())
	case "info":
		fmt.Printf("segments: %d, total entries: %d\n", m.NumSegments(), m.Len())
	default:
		fmt.Printf("unknown command %q (try help)\n", cmd)
	}

	return true
}

// runScan drives [mapfile.Map.ForEachRemoving] over the whole store.
// Bare "scan" just lists every key/value pair; "scan rm PREFIX" removes
// every entry whose key has that prefix while walking, exercising the
// same in-scan Remove path a real caller of segkv would use to do a
// filtered bulk delete without a separate read-then-delete pass.
func runScan(m *mapfile.Map, owner *segkv.Owner, args []string) {
	if len(args) == 0 {
		n := 0
		err := m.ForEachRemoving(owner, func(key, value []byte, _ *segkv.View) bool {
			fmt.Printf("%s = %s\n", key, value)
			n++

			return true
		})
		if err != nil {
			fmt.Println("error:", err)

			return
		}

		fmt.Printf("(%d entries)\n", n)

		return
	}

	if len(args) != 2 || args[0] != "rm" {
		fmt.Println("usage: scan | scan rm PREFIX")

		return
	}

	prefix := args[1]
	removed := 0

	err := m.ForEachRemoving(owner, func(key, value []byte, v *segkv.View) bool {
		if strings.HasPrefix(string(key), prefix) {
			if err := v.Remove(owner); err != nil {
				fmt.Println("error:", err)
			} else {
				removed++
			}
		}

		return true
	})
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("removed %d entries\n", removed)
}

func printHelp() {
	fmt.Println(`commands:
  put KEY VALUE     insert or overwrite a key
  get KEY           print a key's value
  del KEY           remove a key
  scan              print every key/value pair
  scan rm PREFIX    remove every entry whose key starts with PREFIX
  len               print total live entry count
  info              print segment count and total entries
  exit              quit`)
}
