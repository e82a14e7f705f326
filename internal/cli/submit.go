package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelrun/testforge/internal/proto"
)

var submitTimeout time.Duration

var submitCmd = &cobra.Command{
	Use:   "submit [source-file]",
	Short: "Synthesize and run unit, memory, and performance tests for a function",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		source, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("Failed to read %s: %v\n", args[0], err)
			os.Exit(1)
		}

		conn, err := dialSession()
		if err != nil {
			fmt.Printf("%v\nIs the orchestrator running?\n", err)
			os.Exit(1)
		}
		defer conn.Close()

		requestID := newRequestID()
		req := proto.GenerateTestsRequest{ID: requestID, Type: proto.TypeGenerateTests, Code: string(source)}
		if err := conn.WriteJSON(req); err != nil {
			fmt.Printf("Failed to send generate_tests: %v\n", err)
			os.Exit(1)
		}

		deadline := time.Now().Add(submitTimeout)
		conn.SetReadDeadline(deadline)

		pending := map[string]bool{}
		kindsSeen := map[proto.Kind]bool{}

		for {
			var resp proto.ResponseEnvelope
			if err := conn.ReadJSON(&resp); err != nil {
				fmt.Printf("\nSession closed: %v\n", err)
				return
			}

			switch resp.Type {
			case proto.TypeReturnUnitTests:
				printKindSnapshot(proto.KindUnit, resp.UnitTests, pending)
				kindsSeen[proto.KindUnit] = true
			case proto.TypeReturnMemoryTests:
				printKindSnapshot(proto.KindMemory, resp.MemoryTests, pending)
				kindsSeen[proto.KindMemory] = true
			case proto.TypeReturnPerformanceTests:
				printKindSnapshot(proto.KindPerformance, resp.PerformanceTests, pending)
				kindsSeen[proto.KindPerformance] = true
			case proto.TypeTestResultUpdate:
				printResult(resp.TestResult)
				if resp.TestResult != nil {
					delete(pending, resp.TestResult.TestID)
				}
			case proto.TypeError:
				fmt.Printf("[error] %s\n", resp.ErrorMessage)
			default:
				fmt.Printf("[%s] %+v\n", resp.Type, resp)
			}

			if len(kindsSeen) == len(proto.AllKinds) && len(pending) == 0 {
				return
			}
		}
	},
}

func printKindSnapshot(kind proto.Kind, tests []proto.Test, pending map[string]bool) {
	fmt.Printf("-- %s tests (%d) --\n", kind, len(tests))
	for _, t := range tests {
		fmt.Printf("  %-8s %s  %s\n", t.Status, t.TestID[:8], t.Title)
		if t.Status == proto.StatusPending || t.Status == proto.StatusRunning {
			pending[t.TestID] = true
		}
	}
}

func printResult(t *proto.Test) {
	if t == nil {
		return
	}
	mark := "OK"
	if t.Status == proto.StatusFailed {
		mark = "FAIL"
	}
	fmt.Printf("  [%s] %s  %s\n", mark, t.TestID[:8], t.Title)
	if t.Exec != nil && t.Exec.StderrOrError != nil {
		fmt.Printf("        %s\n", *t.Exec.StderrOrError)
	}
}

func init() {
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Minute, "Overall time to wait for all tests to complete")
	RootCmd.AddCommand(submitCmd)
}
