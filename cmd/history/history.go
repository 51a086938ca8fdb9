package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sonhoai27/localsend/internal/config"
	lshistory "github.com/sonhoai27/localsend/internal/history"
	"github.com/spf13/cobra"
)

var (
	limit     int
	sessionId string
)

var Cmd = &cobra.Command{
	Use:   "history",
	Short: "List received files",
	Long:  "List files recorded in the transfer log",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		if cfg.History == "" {
			return errors.New("no transfer log configured, set --history")
		}

		store, err := lshistory.Open(cfg.History)
		if err != nil {
			return err
		}
		defer store.Close()

		var recs []lshistory.Record
		if sessionId != "" {
			recs, err = store.BySession(sessionId)
		} else {
			recs, err = store.Recent(limit)
		}
		if err != nil {
			return err
		}

		return printRecords(os.Stdout, recs)
	},
}

func printRecords(w io.Writer, recs []lshistory.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tFROM\tSIZE\tSAVED AS")
	for _, r := range recs {
		from := r.SenderIP
		if r.Sender != "" {
			from = fmt.Sprintf("%s (%s)", r.Sender, r.SenderIP)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ReceivedAt.Local().Format(time.DateTime), from, r.Size, r.SavedAs)
	}
	return tw.Flush()
}

func init() {
	Cmd.Flags().StringP("history", "l", "", "Path to the sqlite transfer log")
	Cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	Cmd.Flags().StringVarP(&sessionId, "session", "s", "", "Only show files of this session")
}
