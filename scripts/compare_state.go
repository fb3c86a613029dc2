//go:build ignore

// compare_state diffs the aggregation state of two aggregator stores, for
// example a node and one restored from its snapshot.
//
//	go run scripts/compare_state.go <data1>/db <data2>/db
package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"Confluence/internal/storage"
)

// namespaces are the durable aggregation prefixes.
var namespaces = []struct {
	prefix string
	name   string
}{
	{"g:", "gateway set"},
	{"x:", "remotes"},
	{"r:", "receipt trackers"},
	{"l:", "lifecycle"},
	{"o:", "outboxes"},
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db1_path> <db2_path>\n", os.Args[0])
		os.Exit(1)
	}

	db1, err := storage.New(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db1: %v\n", err)
		os.Exit(1)
	}
	defer db1.Close()

	db2, err := storage.New(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db2: %v\n", err)
		os.Exit(1)
	}
	defer db2.Close()

	identical := true

	for _, ns := range namespaces {
		kv1 := collect(db1, ns.prefix)
		kv2 := collect(db2, ns.prefix)

		missing1, missing2, different := compare(kv1, kv2)

		fmt.Printf("%-17s db1=%d db2=%d\n", ns.name, len(kv1), len(kv2))

		if len(missing1)+len(missing2)+len(different) == 0 {
			continue
		}

		identical = false
		report("only in db1", missing1)
		report("only in db2", missing2)
		report("different", different)
	}

	if identical {
		fmt.Println("\nstates are identical")
		os.Exit(0)
	}

	fmt.Println("\nstates differ")
	os.Exit(1)
}

// collect copies every pair under prefix.
func collect(db *storage.Storage, prefix string) map[string][]byte {
	kv := make(map[string][]byte)

	db.IteratePrefix([]byte(prefix), func(key, value []byte) error {
		kv[string(key)] = bytes.Clone(value)
		return nil
	})

	return kv
}

// compare returns the sorted keys missing from each side and those whose values differ.
func compare(kv1, kv2 map[string][]byte) (missing1, missing2, different []string) {
	for k, v1 := range kv1 {
		v2, ok := kv2[k]
		if !ok {
			missing1 = append(missing1, k)
		} else if !bytes.Equal(v1, v2) {
			different = append(different, k)
		}
	}

	for k := range kv2 {
		if _, ok := kv1[k]; !ok {
			missing2 = append(missing2, k)
		}
	}

	sort.Strings(missing1)
	sort.Strings(missing2)
	sort.Strings(different)

	return
}

// report prints a labelled key list.
func report(label string, keys []string) {
	if len(keys) == 0 {
		return
	}

	fmt.Printf("  %s: %d\n", label, len(keys))
	for _, k := range keys {
		fmt.Printf("      %q\n", k)
	}
}
