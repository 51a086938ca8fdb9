package recv

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sonhoai27/localsend/internal/config"
	lsrecv "github.com/sonhoai27/localsend/internal/localsend/recv"
	"github.com/sonhoai27/localsend/internal/utils"
	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive files from localsend instance",
	Long:  "Receive files from localsend instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		utils.SetupLogger(os.Stderr, cfg.Verbose)

		recver := lsrecv.NewFileReceiver(lsrecv.StaticDir(cfg.Dir), cfg.HTTPS)
		recver.SetPIN(cfg.PIN)
		recver.SetConsentTimeout(cfg.ConsentTimeout)
		recver.SetProxyHeader(cfg.ProxyHeader)
		if err := recver.SetTransferLog(cfg.History); err != nil {
			return err
		}
		recver.SetPrompter(newTerminalPrompter(recver, os.Stdin, os.Stderr, cfg.AcceptExt, cfg.AutoAccept))

		if err := recver.Start(cfg.Alias, cfg.Port); err != nil {
			recver.Close()
			return fmt.Errorf("fail to start server: %w", err)
		}
		defer recver.Close()

		if ips, err := utils.GetMyIPv4Addr(); err == nil {
			for _, ip := range ips {
				slog.Info("Reachable at", "ip", ip.String(), "alias", recver.Identity().Alias)
			}
		}
		slog.Info("Ctrl-C to terminate")

		<-utils.WaitForSignal()

		return nil
	},
}

func init() {
	flags := Cmd.Flags()
	flags.StringP("alias", "n", "", "Device name that is advertising, random if empty")
	flags.IntP("port", "P", 53317, "Port to listen on")
	flags.StringP("dir", "d", ".", "Directory for received files")
	flags.StringP("pin", "p", "", "PIN code")
	flags.Bool("https", true, "Do https")
	flags.StringP("accept-ext", "a", "", "Comma-separated list of allowed file extensions (e.g., epub,pdf,mobi). Empty means accept all.")
	flags.BoolP("auto-accept", "y", false, "Accept every proposal without asking")
	flags.Duration("consent-timeout", 0, "Decline proposals left unanswered this long, 0 waits forever")
	flags.StringP("history", "l", "", "Path to the sqlite transfer log")
	flags.String("proxy-header", "", "Header carrying the sender address when behind a proxy")
}
