package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agora/internal/config"
	"github.com/nextlevelbuilder/agora/internal/httpapi"
	"github.com/nextlevelbuilder/agora/internal/org"
)

func chatCmd() *cobra.Command {
	var addr, token, message string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to a running agora: submit a task and tail its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Gateway.Addr()
			}
			if token == "" {
				token = cfg.Gateway.Token
			}
			if len(args) > 0 {
				message = strings.Join(args, " ")
			}
			return runChat(cmd.Context(), addr, token, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "runtime address (default: from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default: $AGORA_GATEWAY_TOKEN)")
	return cmd
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Detail != "" {
			return fmt.Errorf("%s", apiErr.Detail)
		}
		return fmt.Errorf("http %d on %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runChat(ctx context.Context, addr, token, message string) error {
	api := &apiClient{base: "http://" + addr, token: token, http: http.DefaultClient}

	wsURL := "ws://" + addr + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	go tailEvents(ctx, conn)

	send := func(text string) error {
		var task struct {
			TaskID string `json:"taskId"`
		}
		if err := api.post(ctx, "/v1/tasks", map[string]string{"text": text}, &task); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "[task %s]\n", task.TaskID)
		return nil
	}

	if message != "" {
		if err := send(message); err != nil {
			return err
		}
		// one-shot: keep tailing until interrupted
		<-ctx.Done()
		return nil
	}

	fmt.Fprintln(os.Stderr, "Agora chat. Type a task for root, \"exit\" to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := send(input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// tailEvents prints the event stream. Messages to the user are the
// conversation; everything else is progress chrome on stderr.
func tailEvents(ctx context.Context, conn *websocket.Conn) {
	for {
		var ev httpapi.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return
		}
		switch ev.Type {
		case "message":
			if ev.Message == nil {
				continue
			}
			if ev.Message.To == org.AgentUser {
				fmt.Printf("\n%s: %s\n", ev.Message.From, ev.Message.Payload.Text)
			} else if verbose {
				fmt.Fprintf(os.Stderr, "  %s -> %s: %s\n", ev.Message.From, ev.Message.To, ev.Message.Payload.Text)
			}
		case "tool_call":
			fmt.Fprintf(os.Stderr, "  [%s] tool %s\n", ev.AgentID, ev.Tool)
		case "error":
			fmt.Fprintf(os.Stderr, "  [%s] error: %s\n", ev.AgentID, ev.Error)
		case "status":
			if verbose {
				fmt.Fprintf(os.Stderr, "  [%s] %s\n", ev.AgentID, ev.Status)
			}
		}
	}
}
