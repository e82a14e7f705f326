package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Open a raw session and exchange request/response frames line by line",
	Long: `repl opens one client-facing session and forwards stdin lines to the
orchestrator verbatim, printing every response frame as it arrives. Each
stdin line must be a complete JSON request frame (id, type, and the fields
that type requires); this is meant for scripting and debugging, not everyday
use — see "submit" for the common case.`,
	Run: func(cmd *cobra.Command, args []string) {
		conn, err := dialSession()
		if err != nil {
			fmt.Printf("%v\nIs the orchestrator running?\n", err)
			os.Exit(1)
		}
		defer conn.Close()

		fmt.Println("Connected. Paste one JSON request frame per line. CTRL+C to exit.")

		done := make(chan struct{})
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)

		go func() {
			defer close(done)
			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					fmt.Printf("\nConnection closed: %v\n", err)
					return
				}
				fmt.Println(string(message))
			}
		}()

		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
					fmt.Printf("\nWrite error: %v\n", err)
					return
				}
			}
		}()

		select {
		case <-done:
			return
		case <-interrupt:
			fmt.Println("Interrupt received, closing...")
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
			return
		}
	},
}

func init() {
	RootCmd.AddCommand(replCmd)
}
