// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The noetl CLI talks to a running server: register playbooks, start
// executions, inspect events, and manage the dead-letter queue.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	server := os.Getenv("NOETL_SERVER")
	if server == "" {
		server = "http://localhost:8082"
	}
	c := newClient(server)

	cmd := os.Args[1]
	args := os.Args[2:]
	var out json.RawMessage
	var err error
	switch cmd {
	case "version":
		fmt.Println("noetl cli 0.1.0")
		return
	case "register":
		if len(args) < 1 {
			usageExit("noetl register <playbook.yaml>")
		}
		var doc []byte
		doc, err = os.ReadFile(args[0])
		if err == nil {
			out, err = c.registerPlaybook(doc)
		}
	case "execute":
		if len(args) < 1 {
			usageExit("noetl execute <path> [version] [payload-json]")
		}
		version := 0
		if len(args) > 1 {
			version, _ = strconv.Atoi(args[1])
		}
		var payload map[string]any
		if len(args) > 2 {
			if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
				fmt.Fprintf(os.Stderr, "bad payload json: %v\n", err)
				os.Exit(1)
			}
		}
		out, err = c.execute(args[0], version, payload)
	case "status":
		if len(args) < 1 {
			usageExit("noetl status <execution_id>")
		}
		out, err = c.execution(args[0])
	case "events":
		if len(args) < 1 {
			usageExit("noetl events <execution_id> [jq-filter]")
		}
		filter := ""
		if len(args) > 1 {
			filter = args[1]
		}
		out, err = c.events(args[0], filter)
	case "cancel":
		if len(args) < 1 {
			usageExit("noetl cancel <execution_id>")
		}
		out, err = c.cancel(args[0])
	case "dead":
		out, err = c.deadLetters()
	case "requeue":
		if len(args) < 2 {
			usageExit("noetl requeue <execution_id> <node_id>")
		}
		out, err = c.requeue(args[0], args[1])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
	printJSON(out)
}

func printUsage() {
	fmt.Println("Usage: noetl <command> [args]    (server from NOETL_SERVER, default http://localhost:8082)")
	fmt.Println("  register <playbook.yaml>                 register a playbook")
	fmt.Println("  execute <path> [version] [payload-json]  start an execution")
	fmt.Println("  status <execution_id>                    show the execution snapshot")
	fmt.Println("  events <execution_id> [jq-filter]        list execution events")
	fmt.Println("  cancel <execution_id>                    request cancellation")
	fmt.Println("  dead                                     list dead-letter jobs")
	fmt.Println("  requeue <execution_id> <node_id>         requeue a dead job")
}

func usageExit(usage string) {
	fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
	os.Exit(1)
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
