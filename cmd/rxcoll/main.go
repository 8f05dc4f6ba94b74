// Command rxcoll exercises the collection package end to end: it reads
// simple "put KEY VALUE" / "get KEY" / "remove KEY" records from stdin
// against one of the six Collection policies and prints the resulting
// iteration order, so the hash engine's ordering invariants can be
// sanity-checked by hand.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relang/rxkernel/collection"
	"github.com/relang/rxkernel/internal/rxlog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var policy string
	var capacityHint int

	cmd := &cobra.Command{
		Use:   "rxcoll",
		Short: "Drive a rxkernel collection policy from stdin records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(policy, capacityHint, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "equality", "collection policy: identity|equality|string|relation|set|bag")
	cmd.Flags().IntVar(&capacityHint, "capacity", 0, "initial bucket-size hint (0 = default)")
	return cmd
}

func newCollection(policy string, capacity int) (*collection.Collection, error) {
	var capArgs []int
	if capacity > 0 {
		capArgs = []int{capacity}
	}
	switch policy {
	case "identity":
		return collection.NewIdentityMap(capArgs...), nil
	case "equality":
		return collection.NewEqualityMap(capArgs...), nil
	case "string":
		return collection.NewStringMap(capArgs...).Collection, nil
	case "relation":
		return collection.NewRelation(capArgs...), nil
	case "set":
		return collection.NewSet(capArgs...), nil
	case "bag":
		return collection.NewBag(capArgs...), nil
	default:
		return nil, fmt.Errorf("rxcoll: unknown policy %q", policy)
	}
}

func run(policy string, capacity int, in io.Reader, out io.Writer) error {
	log := rxlog.Named("rxcoll")
	defer rxlog.Sync()

	c, err := newCollection(policy, capacity)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "put":
			if len(fields) < 3 {
				continue
			}
			if err := c.Put(fields[2], fields[1]); err != nil {
				log.Warnw("put failed", "key", fields[1], "err", err)
			}
		case "add":
			if len(fields) < 3 {
				continue
			}
			if err := c.Add(fields[2], fields[1]); err != nil {
				log.Warnw("add failed", "key", fields[1], "err", err)
			}
		case "get":
			if len(fields) < 2 {
				continue
			}
			v, ok := c.Get(fields[1])
			fmt.Fprintf(out, "get %s -> %v (%v)\n", fields[1], v, ok)
		case "remove":
			if len(fields) < 2 {
				continue
			}
			v, ok := c.Remove(fields[1])
			fmt.Fprintf(out, "remove %s -> %v (%v)\n", fields[1], v, ok)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Fprintf(out, "items: %d\n", c.Items())
	it := c.Iterator()
	for it.Available() {
		fmt.Fprintf(out, "  %v = %v\n", it.Index(), it.Value())
		it.Next()
	}
	return nil
}
