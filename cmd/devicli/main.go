// devicli is a small interactive shell over package devi. It does not
// implement a query language — collections, documents and indexes are
// driven through dotted commands that map directly onto the Database
// API (insert/find/delete, create-index, checkpoint, gc,
// backup).
//
// Usage:
//
//	devicli <path-to-database-file>
//	devicli                           (temporary file, removed on exit)
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/devi-db/devi/devi"
	"github.com/devi-db/devi/devilog"
)

const version = "0.1.0"

func main() {
	fmt.Printf("devi v%s — embedded document database shell\n", version)
	fmt.Println("Type .help for commands, .quit to exit.")
	fmt.Println()

	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path == "" {
		f, err := os.CreateTemp("", "devi_*.db")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		path = f.Name()
		f.Close()
		defer os.Remove(path)
		defer os.Remove(path + "-wal")
		defer os.Remove(path + ".lock")
		fmt.Printf("temporary database: %s\n", path)
	}

	opts := devi.DefaultOptions()
	opts.Log = devilog.New(devilog.Config{Pretty: true})
	db, err := devi.Open(path, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println()
	repl(db)
}

func repl(db *devi.Database) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for {
		fmt.Print("devi> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == ".quit" || line == ".exit" {
			fmt.Println("bye.")
			return
		}
		if err := dispatch(db, line); err != nil {
			fmt.Printf("  error: %v\n", err)
		}
	}
}

func dispatch(db *devi.Database, line string) error {
	parts := strings.Fields(line)
	switch parts[0] {
	case ".help":
		printHelp()
		return nil
	case ".create-collection":
		return withArgs(parts, 2, func() error { return db.CreateCollection(parts[1]) })
	case ".drop-collection":
		return withArgs(parts, 2, func() error { return db.DropCollection(parts[1]) })
	case ".rename-collection":
		return withArgs(parts, 3, func() error { return db.RenameCollection(parts[1], parts[2]) })
	case ".create-index":
		return withArgs(parts, 3, func() error {
			unique := len(parts) > 3 && parts[3] == "unique"
			return db.CreateIndex(parts[1], parts[1]+"_"+parts[2], []string{parts[2]}, unique)
		})
	case ".insert":
		return withArgs(parts, 3, func() error {
			var doc map[string]interface{}
			if err := json.Unmarshal([]byte(strings.Join(parts[2:], " ")), &doc); err != nil {
				return fmt.Errorf("invalid json document: %w", err)
			}
			id, err := db.Collection(parts[1]).Insert(doc)
			if err != nil {
				return err
			}
			fmt.Printf("  inserted %s\n", id)
			return nil
		})
	case ".find":
		return withArgs(parts, 3, func() error {
			doc, found, err := db.Collection(parts[1]).FindByID(parts[2])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("  (not found)")
				return nil
			}
			out, _ := json.Marshal(doc)
			fmt.Printf("  %s\n", out)
			return nil
		})
	case ".delete":
		return withArgs(parts, 3, func() error { return db.Collection(parts[1]).DeleteByID(parts[2]) })
	case ".all":
		return withArgs(parts, 2, func() error {
			docs, err := db.Collection(parts[1]).FindAll()
			if err != nil {
				return err
			}
			for _, d := range docs {
				out, _ := json.Marshal(d)
				fmt.Printf("  %s\n", out)
			}
			fmt.Printf("  --- %d document(s)\n", len(docs))
			return nil
		})
	case ".count":
		return withArgs(parts, 2, func() error {
			n, err := db.Collection(parts[1]).Count()
			if err != nil {
				return err
			}
			fmt.Printf("  %d\n", n)
			return nil
		})
	case ".checkpoint":
		return db.Checkpoint()
	case ".gc":
		n, err := db.GarbageCollect()
		if err != nil {
			return err
		}
		fmt.Printf("  reclaimed %d version(s)\n", n)
		return nil
	case ".backup":
		return withArgs(parts, 2, func() error { return db.Backup(parts[1]) })
	default:
		fmt.Printf("  unknown command: %s (type .help)\n", parts[0])
		return nil
	}
}

func withArgs(parts []string, min int, fn func() error) error {
	if len(parts) < min {
		return fmt.Errorf("not enough arguments")
	}
	return fn()
}

func printHelp() {
	fmt.Println(`Commands:
  .create-collection <name>
  .drop-collection <name>
  .rename-collection <old> <new>
  .create-index <collection> <field> [unique]
  .insert <collection> <json-object>
  .find <collection> <id>
  .delete <collection> <id>
  .all <collection>
  .count <collection>
  .checkpoint
  .gc
  .backup <dest-path>
  .help
  .quit`)
}
