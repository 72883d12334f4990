package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/kvstore"
)

// RunCliClient method starts a simple REPL program
// using the kvstore library.
func RunCliClient(servers []common.Server, in io.Reader, out io.Writer) error {
	store := kvstore.NewKeyValStore(servers)
	defer store.Close()
	return runRepl(store, in, out)
}

func runRepl(store *kvstore.KVStore, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "<<<< KV Store Using Raft >>>>")
	fmt.Fprintln(out, "Available commands: ")
	fmt.Fprintln(out, "\t GET <key>")
	fmt.Fprintln(out, "\t SET <key> <val>")
	fmt.Fprintf(out, "\n\n")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "$ ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "GET":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: GET <key>")
				continue
			}
			key := fields[1]
			_, val, err := store.Get(key)
			if err != nil {
				fmt.Fprintln(out, err)
			} else {
				fmt.Fprintf(out, "%s = %s, OK\n", key, val)
			}
		case "SET":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: SET <key> <val>")
				continue
			}
			key, val := fields[1], fields[2]
			if _, err := store.Set(key, val); err != nil {
				fmt.Fprintln(out, err)
			} else {
				fmt.Fprintf(out, "%s = %s, OK\n", key, val)
			}
		case "EXIT", "QUIT":
			return nil
		default:
			fmt.Fprintln(out, "Incorrect command")
		}
	}
}
