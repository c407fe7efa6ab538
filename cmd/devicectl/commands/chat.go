package commands

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the dispatcher",
	Long: `Send one message to the chat endpoint, or start an interactive
session when no message is given. Device commands the model decides to issue
are dispatched and awaited before the reply comes back, so a turn can take up
to the server's result timeout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		if len(args) > 0 {
			return chatTurn(c, nil, strings.Join(args, " "))
		}

		fmt.Println("Interactive chat (empty line to exit).")
		var history []map[string]string
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				return nil
			}
			history = append(history, map[string]string{"role": "user", "content": line})
			reply, err := sendChat(c, history)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				history = history[:len(history)-1]
				continue
			}
			history = append(history, map[string]string{"role": "assistant", "content": reply})
			fmt.Println(reply)
		}
	},
}

func chatTurn(c *client, history []map[string]string, message string) error {
	history = append(history, map[string]string{"role": "user", "content": message})
	reply, err := sendChat(c, history)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func sendChat(c *client, messages []map[string]string) (string, error) {
	var resp struct {
		Reply string `json:"reply"`
	}
	err := c.do(http.MethodPost, "/api/chat", map[string]any{"messages": messages}, &resp)
	if err != nil {
		if resp.Reply != "" {
			return resp.Reply, nil
		}
		return "", err
	}
	return resp.Reply, nil
}
