package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/brake"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/canonicalize"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// commitReport is the output of `vagus commit`.
type commitReport struct {
	Preview  brake.Preview           `json:"preview"`
	Params   canonicalize.DualDigest `json:"paramsDigest"`
	PreState canonicalize.DualDigest `json:"preStateDigest"`
}

// runCommitCmd implements `vagus commit --intent <file> [--factor bp]`.
//
// It computes offline the scaled limits commitment a gate would derive for
// the intent at the given scaling factor, so a planner can check a token's
// scaledLimitsHash without calling the server.
func runCommitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("commit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		intentPath string
		factor     uint
	)
	cmd.StringVar(&intentPath, "intent", "", "Path to the intent JSON (REQUIRED)")
	cmd.UintVar(&factor, "factor", contracts.BasisPoints, "Scaling factor in basis points (10000 = SAFE, 6000 = DANGER)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if intentPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --intent is required")
		return 2
	}
	if factor > contracts.BasisPoints {
		_, _ = fmt.Fprintf(stderr, "Error: --factor must be at most %d\n", contracts.BasisPoints)
		return 2
	}

	data, err := os.ReadFile(intentPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var in contracts.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse intent: %v\n", err)
		return 2
	}

	p, err := brake.Commit(in, uint32(factor))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	d := canonicalize.DigestIntent(in)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(commitReport{Preview: p, Params: d.Params, PreState: d.PreState}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
