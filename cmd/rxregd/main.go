// Command rxregd wraps the ipc queue, macro, and handler registries for
// manual smoke testing against a real anchor file. It is a development
// aid, not a replacement for rxqueue, rxsubcom, or rxdelipc — those name
// specific external tools this program is not.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relang/rxkernel/ipc"
	"github.com/relang/rxkernel/ipc/handler"
	"github.com/relang/rxkernel/ipc/macro"
	"github.com/relang/rxkernel/ipc/queue"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rxregd",
		Short: "Exercise the rxkernel IPC registries against a real anchor",
	}
	root.AddCommand(newQueueCmd(), newMacroCmd(), newHandlerCmd())
	return root
}

func attach() (*ipc.Anchor, *ipc.CleanupHandler, error) {
	anchor, err := ipc.Attach()
	if err != nil {
		return nil, nil, err
	}
	cleanup := ipc.NewCleanupHandler()
	cleanup.Register(anchor)
	return anchor, cleanup, nil
}

func newQueueCmd() *cobra.Command {
	var mode string
	var wait bool

	cmd := &cobra.Command{
		Use:   "queue [create|push|pull|query|delete] NAME [PAYLOAD]",
		Short: "drive the queue registry",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			anchor, cleanup, err := attach()
			if err != nil {
				return err
			}
			defer cleanup.Stop()

			reg := queue.NewRegistry(anchor)
			cleanup.Register(reg)

			name := args[1]
			switch args[0] {
			case "create":
				n, dup, err := reg.Create(name)
				if err != nil {
					return err
				}
				fmt.Printf("created %s (duplicate=%v)\n", n, dup)
			case "push":
				if len(args) < 3 {
					return fmt.Errorf("push requires a payload")
				}
				m := queue.FIFO
				if mode == "lifo" {
					m = queue.LIFO
				}
				return reg.Push(name, []byte(args[2]), m)
			case "pull":
				w := queue.NoWait
				if wait {
					w = queue.WaitFlag
				}
				payload, ts, err := reg.Pull(context.Background(), name, w)
				if err != nil {
					return err
				}
				fmt.Printf("%s (pushed %s)\n", string(payload), ts.Format(time.RFC3339Nano))
			case "query":
				n, err := reg.Query(name)
				if err != nil {
					return err
				}
				fmt.Println(n)
			case "delete":
				return reg.Delete(name)
			default:
				return fmt.Errorf("unknown queue subcommand %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "fifo", "push mode: fifo|lifo")
	cmd.Flags().BoolVar(&wait, "wait", false, "block pull until an item is available")
	return cmd
}

func newMacroCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macro [add NAME IMAGE|drop NAME|query NAME|save FILE|load FILE]",
		Short: "drive the macro registry",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			anchor, cleanup, err := attach()
			if err != nil {
				return err
			}
			defer cleanup.Stop()

			reg := macro.NewRegistry(anchor)
			switch args[0] {
			case "add":
				if len(args) < 3 {
					return fmt.Errorf("add requires NAME IMAGE")
				}
				return reg.Add(args[1], []byte(args[2]), macro.SearchAfter)
			case "drop":
				return reg.Drop(args[1])
			case "query":
				found, pos := reg.Query(args[1])
				fmt.Printf("found=%v position=%d\n", found, pos)
			case "save":
				return reg.Save(nil, args[1])
			case "load":
				return reg.Load(nil, args[1])
			default:
				return fmt.Errorf("unknown macro subcommand %q", args[0])
			}
			return nil
		},
	}
	return cmd
}

// newHandlerCmd's handler registry is process-lifetime: it has no
// shared-memory pool to attach to across invocations of this CLI (its
// chains are process-local Go values, see DESIGN.md), so "echo" only
// demonstrates the in-process registration/lookup path within a single
// run.
func newHandlerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handler echo NAME ARG",
		Short: "register an in-process echo handler and look it up",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "echo" {
				return fmt.Errorf("unknown handler subcommand %q", args[0])
			}
			name, arg := args[1], args[2]

			reg := handler.NewRegistry()
			if err := reg.RegisterInProcess(handler.Function, name, func(in []byte) ([]byte, error) {
				return in, nil
			}); err != nil {
				return err
			}
			fn, err := reg.Lookup(handler.Function, name)
			if err != nil {
				return err
			}
			out, err := fn([]byte(arg))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}
