package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/airlink/internal/db"
	"github.com/rudransh-shrivastava/airlink/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "shows saved peers, messages and files",
}

var historyPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "lists every peer seen so far",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(h *store.History) error {
			peers, err := h.GetPeers(cmd.Context())
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "USER\tNAME\tLAST SEEN")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.UserID, p.Name, formatTime(p.LastSeen))
			}
			return w.Flush()
		})
	},
}

var historyMessagesCmd = &cobra.Command{
	Use:   "messages user-id",
	Short: "prints the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(h *store.History) error {
			msgs, err := h.GetMessages(cmd.Context(), args[0], historyLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				from := m.PeerName
				if m.Outgoing {
					from = "me"
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", formatTime(m.CreatedAt), from, m.Body)
			}
			return nil
		})
	},
}

var historyFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "lists received files, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(h *store.History) error {
			files, err := h.GetFiles(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "RECEIVED\tFROM\tCATEGORY\tSIZE\tPATH")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", formatTime(f.CreatedAt), f.PeerUserID, f.Category, f.Size, f.Path)
			}
			return w.Flush()
		})
	},
}

func init() {
	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "l", 50, "maximum number of rows")
	historyCmd.AddCommand(historyPeersCmd)
	historyCmd.AddCommand(historyMessagesCmd)
	historyCmd.AddCommand(historyFilesCmd)
}

func withHistory(fn func(h *store.History) error) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	gdb, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	return fn(store.NewHistory(gdb))
}

func table(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).Format("2006-01-02 15:04")
}
