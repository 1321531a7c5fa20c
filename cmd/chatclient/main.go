// Command chatclient is a terminal client for the storefront chat channel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.3.0"

var (
	v = viper.New()

	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Storefront chat client",
	Long:          "chatclient connects to the storefront chat backend, listens for events and sends messages.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatclient %s\n", version)
	},
}

func init() {
	rootCmd.Version = version

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("url", "", "WebSocket endpoint (ws:// or wss://)")
	flags.String("transport", "", "transport: websocket, nats or redis")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("user", "", "user id (env CHAT_AUTH_USER_ID)")
	flags.String("token", "", "auth token (env CHAT_AUTH_TOKEN)")

	for key, name := range map[string]string{
		"server.url":          "url",
		"transport.kind":      "transport",
		"log.level":           "log-level",
		"log.format":          "log-format",
		"metrics.listen_addr": "metrics-addr",
		"auth.user_id":        "user",
		"auth.token":          "token",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
