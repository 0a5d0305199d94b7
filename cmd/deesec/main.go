package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	serverURL string
	grpcAddr  string
	asWho     string
	token     string
	output    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deesec",
	Short: "deesec ledger CLI",
	Long: `deesec is the command-line interface for the deesec record ledger.

It creates records, grants read permission on them, and follows the
ledger's event stream. Commands talk to ledgerd over HTTP by default, or
over gRPC when --grpc is set.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".deesec"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("DEESEC")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if grpcAddr == "" {
			grpcAddr = viper.GetString("grpc")
		}
		if asWho == "" {
			asWho = viper.GetString("identity")
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.deesec/config.yaml)")
	pf.StringVar(&serverURL, "server", "", "ledgerd HTTP base URL (default http://localhost:8080)")
	pf.StringVar(&grpcAddr, "grpc", "", "ledgerd gRPC address, e.g. localhost:9090; overrides --server")
	pf.StringVar(&asWho, "identity", "", "caller identity sent in open mode")
	pf.StringVar(&token, "token", "", "bearer token issued by ledgerd (token mode)")
	pf.StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(createCmd, getCmd, countCmd, listCmd)
	rootCmd.AddCommand(grantCmd, grantsCmd, accessCmd, watchCmd)
	rootCmd.AddCommand(auditCmd, hashCmd, tokenCmd, versionCmd)
}

// printValue writes v as JSON or YAML, or calls text for the text format.
func printValue(w io.Writer, v any, text func(io.Writer) error) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return text(w)
	}
	return fmt.Errorf("unknown output format %q", output)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the deesec CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "deesec %s\n", version)
	},
}
