package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/waypost/waypost/internal/admin"
	"github.com/waypost/waypost/internal/config"
)

var socketFlag string

func main() {
	root := &cobra.Command{
		Use:   "wayctl",
		Short: "Inspect and control a running waypostd",
	}

	root.PersistentFlags().StringVar(&socketFlag, "socket", config.Default().Admin.Socket, "admin socket path")

	root.AddCommand(
		statusCmd(),
		sessionsCmd(),
		buffersCmd(),
		evictCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Relay counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := admin.NewClient(socketFlag).Status()
			if err != nil {
				return err
			}
			fmt.Printf("agents:     %d\n", st.Agents)
			fmt.Printf("buffered:   %d\n", st.Buffered)
			fmt.Printf("stored-for: %d\n", st.StoredFor)
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := admin.NewClient(socketFlag).Sessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				idle := time.Since(s.LastSeen).Round(time.Second)
				line := fmt.Sprintf("  %-4s %-16s idle %-8s %s", s.Kind, truncKey(s.PublicKey), idle, s.Name)
				if s.Kind == "rest" {
					line += fmt.Sprintf(" (queued %d)", s.Queued)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func buffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buffers",
		Short: "Store-and-forward buffer depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			depths, err := admin.NewClient(socketFlag).Buffers()
			if err != nil {
				return err
			}
			if len(depths) == 0 {
				fmt.Println("no stored-for keys")
				return nil
			}
			keys := make([]string, 0, len(depths))
			for key := range depths {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("  %-16s %d\n", truncKey(key), depths[key])
			}
			return nil
		},
	}
}

func evictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <publicKey>",
		Short: "Force-close an agent's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := admin.NewClient(socketFlag).Evict(args[0]); err != nil {
				return err
			}
			fmt.Println("evicted")
			return nil
		},
	}
}

func truncKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:16]
}
