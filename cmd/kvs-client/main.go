// Command kvs-client is a thin TCP client for kvs-server: one-shot
// get/set/rm subcommands plus an interactive repl.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

type request struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type response struct {
	OK    bool   `json:"ok"`
	Found bool   `json:"found,omitempty"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("kvs-client", flag.ContinueOnError)
	addr := flagSet.String("addr", "127.0.0.1:4000", "server address")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: kvs-client [--addr ADDR] get KEY | set KEY VALUE | rm KEY | repl")
		return 2
	}

	switch rest[0] {
	case "get":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "usage: kvs-client get KEY")
			return 2
		}
		return cmdGet(*addr, rest[1])
	case "set":
		if len(rest) != 3 {
			fmt.Fprintln(os.Stderr, "usage: kvs-client set KEY VALUE")
			return 2
		}
		return cmdSet(*addr, rest[1], rest[2])
	case "rm":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "usage: kvs-client rm KEY")
			return 2
		}
		return cmdRemove(*addr, rest[1])
	case "repl":
		return cmdRepl(*addr)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", rest[0])
		return 2
	}
}

func roundTrip(addr string, req request) (response, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return response{}, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return response{}, fmt.Errorf("sending request: %w", err)
	}
	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

func cmdGet(addr, key string) int {
	resp, err := roundTrip(addr, request{Op: "get", Key: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Error)
		return 1
	}
	if !resp.Found {
		fmt.Println("Key not found")
		return 0
	}
	fmt.Println(resp.Value)
	return 0
}

func cmdSet(addr, key, value string) int {
	resp, err := roundTrip(addr, request{Op: "set", Key: key, Value: value})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Error)
		return 1
	}
	return 0
}

func cmdRemove(addr, key string) int {
	resp, err := roundTrip(addr, request{Op: "remove", Key: key})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !resp.OK && resp.Error == "key not found" {
		fmt.Fprintln(os.Stderr, "Key not found")
		return 1
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Error)
		return 1
	}
	return 0
}

func cmdRepl(addr string) int {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("connected to %s (get KEY | set KEY VALUE | rm KEY | quit)\n", addr)
	for {
		input, err := line.Prompt("kvs> ")
		if err != nil {
			return 0
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return 0
		case "get":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "usage: get KEY")
				continue
			}
			cmdGet(addr, fields[1])
		case "set":
			if len(fields) != 3 {
				fmt.Fprintln(os.Stderr, "usage: set KEY VALUE")
				continue
			}
			cmdSet(addr, fields[1], fields[2])
		case "rm":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "usage: rm KEY")
				continue
			}
			cmdRemove(addr, fields[1])
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", fields[0])
		}
	}
}
