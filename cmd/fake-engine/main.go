// ABOUTME: Minimal fake reasoning engine for E2E testing the subprocess bridge
// ABOUTME: Reads the invocation payload from stdin and echoes the last message

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

type request struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	WorkflowName string `json:"workflow_name"`
}

type response struct {
	FinalOutput string `json:"final_output"`
	TraceID     string `json:"trace_id,omitempty"`
}

func main() {
	fail := flag.Bool("fail", false, "Exit non-zero after reading the payload")
	sleep := flag.Duration("sleep", 0, "Delay before replying, for timeout testing")
	noTrace := flag.Bool("no-trace", false, "Omit trace_id from the response")
	flag.Parse()

	if err := run(*fail, *sleep, *noTrace); err != nil {
		log.Fatal(err)
	}
}

func run(fail bool, sleep time.Duration, noTrace bool) error {
	var req request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}

	if fail {
		fmt.Fprintf(os.Stderr, "fake engine failing on request for %s\n", req.WorkflowName)
		os.Exit(1)
	}

	if sleep > 0 {
		time.Sleep(sleep)
	}

	last := "nothing"
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}

	resp := response{
		FinalOutput: fmt.Sprintf("echo(%s): %s", req.WorkflowName, last),
	}
	if !noTrace {
		resp.TraceID = "fake-" + uuid.NewString()
	}

	return json.NewEncoder(os.Stdout).Encode(resp)
}
