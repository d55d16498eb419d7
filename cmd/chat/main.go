package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	toolColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	dimColor   = color.New(color.Faint)
)

func main() {
	server := flag.String("server", "http://localhost:4000", "SDK backend URL")
	address := flag.String("address", "0xcli", "wallet address used as the thread id")
	flag.Parse()

	c := &client{server: strings.TrimRight(*server, "/"), address: *address, http: &http.Client{Timeout: 2 * time.Minute}}

	fmt.Println(color.CyanString("SDK chat"))
	fmt.Printf("Server: %s | Address: %s\n", c.server, c.address)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /history, /complete <executionId> [hash], /abort <executionId>, /clear")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		fields := strings.Fields(input)
		switch fields[0] {
		case "/history":
			c.history()
		case "/complete":
			if len(fields) < 2 {
				printError("usage: /complete <executionId> [hash]")
				continue
			}
			hash := ""
			if len(fields) > 2 {
				hash = fields[2]
			}
			c.updateTool("completeTool", fields[1], hash)
		case "/abort":
			if len(fields) < 2 {
				printError("usage: /abort <executionId>")
				continue
			}
			c.updateTool("abortTool", fields[1], "")
		case "/clear":
			c.clear()
		default:
			c.stream(input)
		}
	}
}

type client struct {
	server  string
	address string
	http    *http.Client
}

func (c *client) endpoint(path string, extra url.Values) string {
	q := url.Values{"address": {c.address}}
	for k, v := range extra {
		q[k] = v
	}
	return c.server + "/v1/llm/" + path + "?" + q.Encode()
}

// stream reads server-sent events until the end or error event.
func (c *client) stream(prompt string) {
	resp, err := c.http.Get(c.endpoint("stream", url.Values{"prompt": {prompt}}))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	r := bufio.NewReader(resp.Body)
	event := ""
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				printError("Stream broken: %v", err)
			}
			fmt.Println()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "end":
				fmt.Println()
				return
			case "error":
				var msg struct {
					Message string `json:"message"`
				}
				json.Unmarshal([]byte(data), &msg)
				printError("\n%s", msg.Message)
				return
			default:
				printFrame(data)
			}
		}
	}
}

func printFrame(data string) {
	var f struct {
		Type        string          `json:"type"`
		Text        string          `json:"text"`
		ToolName    string          `json:"toolName"`
		ExecutionID string          `json:"executionId"`
		ToolOutput  json.RawMessage `json:"tool_output"`
	}
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		printError("bad frame: %v", err)
		return
	}
	switch f.Type {
	case "token":
		fmt.Print(f.Text)
	case "tool":
		toolColor.Printf("\n[%s] execution %s\n", f.ToolName, f.ExecutionID)
		dimColor.Printf("  %s\n", f.ToolOutput)
	}
}

func (c *client) history() {
	resp, err := c.http.Get(c.endpoint("getChatHistory", nil))
	if err != nil {
		printError("Failed to fetch history: %v", err)
		return
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			Items []struct {
				Type        string `json:"type"`
				Content     string `json:"content"`
				ExecutionID string `json:"executionId"`
				Status      string `json:"status"`
				ToolName    string `json:"toolName"`
			} `json:"items"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		printError("Failed to parse history: %v", err)
		return
	}
	if env.Error != "" {
		printError("%s", env.Error)
		return
	}
	if len(env.Data.Items) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range env.Data.Items {
		switch m.Type {
		case "HumanMessage":
			fmt.Printf("%s %s\n", color.GreenString("you:"), m.Content)
		case "AIMessage":
			fmt.Printf("%s %s\n", color.CyanString("agent:"), m.Content)
		default:
			toolColor.Printf("[%s] %s (%s) %s\n", m.ToolName, m.ExecutionID, m.Status, m.Content)
		}
	}
}

func (c *client) updateTool(op, executionID, hash string) {
	body, _ := json.Marshal(map[string]string{"executionId": executionID, "hash": hash})
	resp, err := c.http.Post(c.endpoint(op, nil), "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			Success bool `json:"success"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	if !env.Data.Success {
		printError("No tool with execution id %s %s", executionID, env.Error)
		return
	}
	fmt.Println("ok")
}

func (c *client) clear() {
	resp, err := c.http.Get(c.endpoint("clearChat", nil))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	resp.Body.Close()
	fmt.Println("Conversation cleared.")
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}
