package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/orchestrator"
	"github.com/agenticwork/activitycore/pkg/store"
)

// ChatCmd sends one prompt to a running server and streams the reply to
// stdout.
type ChatCmd struct {
	Prompt    []string `arg:"" help:"The message to send."`
	SessionID string   `help:"Continue an existing session." name:"session"`
	Provider  string   `help:"Provider id to use."`
	Model     string   `help:"Model id to use."`
	UserID    string   `help:"User id for prompt routing." name:"user"`
	Groups    []string `help:"Group names for prompt routing."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	body, err := json.Marshal(map[string]any{
		"sessionId": c.SessionID,
		"message":   strings.Join(c.Prompt, " "),
		"provider":  c.Provider,
		"model":     c.Model,
		"userId":    c.UserID,
		"groups":    c.Groups,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(cli.Server+"/v1/chat/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cli.Server, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if id := resp.Header.Get("X-Session-Id"); id != "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", id)
	}
	return streamReply(resp.Body)
}

// streamReply renders the SSE frames: content to stdout, activity to stderr.
func streamReply(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kind string
	var errCode, errMsg string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			switch activity.EventType(kind) {
			case activity.EventContentDelta:
				var e activity.ContentDelta
				if json.Unmarshal(data, &e) == nil {
					fmt.Print(e.Delta)
				}
			case activity.EventToolStart:
				var e activity.ToolStart
				if json.Unmarshal(data, &e) == nil {
					fmt.Fprintf(os.Stderr, "[tool] %s running\n", e.ToolName)
				}
			case activity.EventToolResult:
				var e activity.ToolResult
				if json.Unmarshal(data, &e) == nil && !e.Success {
					fmt.Fprintf(os.Stderr, "[tool] failed: %s\n", e.Error)
				}
			case activity.EventThinkingComplete:
				var e activity.ThinkingComplete
				if json.Unmarshal(data, &e) == nil && !e.WasHidden {
					fmt.Fprintf(os.Stderr, "[thinking] %dms\n", e.DurationMs)
				}
			case activity.EventError:
				var e activity.ErrorEvent
				if json.Unmarshal(data, &e) == nil {
					errCode, errMsg = e.Code, e.Message
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	fmt.Println()

	switch errCode {
	case "":
		return nil
	case orchestrator.CodePromptNotConfigured:
		return exitf(exitConfig, "%s: %s", errCode, errMsg)
	case orchestrator.CodeToolFailed:
		return exitf(exitToolFatal, "%s: %s", errCode, errMsg)
	default:
		return fmt.Errorf("%s: %s", errCode, errMsg)
	}
}

// ResumeCmd prints the transcript of a stored session.
type ResumeCmd struct {
	SessionID string `arg:"" help:"Session to print."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	resp, err := http.Get(cli.Server + "/v1/sessions/" + c.SessionID + "/messages")
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cli.Server, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var out struct {
		Messages []activity.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode transcript: %w", err)
	}
	for _, msg := range out.Messages {
		fmt.Printf("%s [%s]\n%s\n\n", msg.Role, msg.Timestamp.Format(time.RFC3339), msg.Content)
	}
	return nil
}

// ListSessionsCmd lists stored sessions.
type ListSessionsCmd struct{}

func (c *ListSessionsCmd) Run(cli *CLI) error {
	resp, err := http.Get(cli.Server + "/v1/sessions")
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cli.Server, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var out struct {
		Sessions []store.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}
	for _, s := range out.Sessions {
		fmt.Printf("%s\t%d messages\tupdated %s\n", s.ID, s.MessageCount, s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// CancelCmd cancels an in-flight session.
type CancelCmd struct {
	SessionID string `arg:"" help:"Session to cancel."`
}

func (c *CancelCmd) Run(cli *CLI) error {
	resp, err := http.Post(cli.Server+"/v1/chat/"+c.SessionID+"/cancel", "application/json", nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cli.Server, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	fmt.Println("cancelling", c.SessionID)
	return nil
}

// checkStatus maps HTTP failures to the CLI exit contract.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return exitf(exitAuth, "server refused request (%d): %s", resp.StatusCode, msg)
	case http.StatusBadRequest:
		return exitf(exitConfig, "server rejected request: %s", msg)
	default:
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
	}
}
