package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/todoledger/todo-client/internal/protocol"
	"github.com/todoledger/todo-client/internal/service"
)

func main() {
	inPath := flag.String("in", "", "path to a serialized batch list (default stdin)")
	family := flag.String("family", "todo", "expected family name; empty skips the check")
	version := flag.String("version", "0.1", "expected family version; empty skips the check")
	namespace := flag.String("namespace", "", "expected namespace (default derived from -family)")
	flag.Parse()

	var raw []byte
	var err error
	if *inPath == "" {
		raw, err = io.ReadAll(io.LimitReader(os.Stdin, 64<<20))
	} else {
		raw, err = os.ReadFile(*inPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read batch list error: %v\n", err)
		os.Exit(1)
	}

	ns := *namespace
	if ns == "" && *family != "" {
		ns = protocol.Namespace(*family)
	}
	verifier := &service.BatchVerifier{FamilyName: *family, FamilyVersion: *version, Namespace: ns}
	report, err := verifier.VerifyBytes(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode batch list error: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report error: %v\n", err)
		os.Exit(1)
	}
	if !report.OK() {
		os.Exit(2)
	}
}
