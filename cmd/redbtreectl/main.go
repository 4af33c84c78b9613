// Command redbtreectl is a small driver over a redbtree database file,
// for manual inspection during development. It is not part of the core
// library and is not required by anything else in this module.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cespare/xxhash/v2"

	"redbtree"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dbPath := fs.String("db", "redbtree.db", "path to the database file")
	fs.Parse(os.Args[2:])

	switch cmd {
	case "put":
		args := fs.Args()
		if len(args) != 2 {
			log.Fatalf("usage: redbtreectl put -db path <key> <value>")
		}
		runPut(*dbPath, args[0], args[1])
	case "get":
		args := fs.Args()
		if len(args) != 1 {
			log.Fatalf("usage: redbtreectl get -db path <key>")
		}
		runGet(*dbPath, args[0])
	case "walk":
		runWalk(*dbPath)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: redbtreectl [put|get|walk] -db path ...")
	os.Exit(2)
}

// hashKey turns an arbitrary user key into the 16-byte digest the core
// requires, folding an xxhash64 of key and of key reversed into the two
// halves. For a palindromic key (including any key shorter than two bytes)
// the reversed bytes equal the key, so the two halves are identical.
func hashKey(key string) [redbtree.KeySize]byte {
	var out [redbtree.KeySize]byte

	fwd := xxhash.Sum64String(key)

	reversed := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		reversed[i] = key[len(key)-1-i]
	}
	rev := xxhash.Sum64(reversed)

	binary.BigEndian.PutUint64(out[0:8], fwd)
	binary.BigEndian.PutUint64(out[8:16], rev)
	return out
}

func openTree(path string) *redbtree.Tree {
	t, err := redbtree.Open(path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	return t
}

func runPut(path, key, value string) {
	t := openTree(path)
	defer t.Close()

	digest := hashKey(key)
	if err := t.Add(digest[:], []byte(value), true); err != nil {
		log.Fatalf("put %q: %v", key, err)
	}
	fmt.Println("ok")
}

func runGet(path, key string) {
	t := openTree(path)
	defer t.Close()

	digest := hashKey(key)
	off, err := t.Find(digest[:])
	if err != nil {
		log.Fatalf("get %q: %v", key, err)
	}

	size, err := t.SizeOf(off)
	if err != nil {
		log.Fatalf("sizeof %q: %v", key, err)
	}
	buf := make([]byte, size)
	if err := t.PRead(buf, off); err != nil {
		log.Fatalf("read %q: %v", key, err)
	}
	fmt.Println(string(buf))
}

func runWalk(path string) {
	t := openTree(path)
	defer t.Close()

	err := t.Walk(func(key [redbtree.KeySize]byte, valueOffset uint64, depth int) error {
		size, err := t.SizeOf(valueOffset)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		if err := t.PRead(buf, valueOffset); err != nil {
			return err
		}
		fmt.Printf("%*s%x -> %s\n", depth*2, "", key, buf)
		return nil
	})
	if err != nil {
		log.Fatalf("walk: %v", err)
	}
}
