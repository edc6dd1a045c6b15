package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect beaconctl configuration",
	Long:  `Inspect beaconctl configuration settings. Values come from flags, BEACON_* environment variables and $HOME/.beaconctl.yaml, in that order.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, currentSettings())
			return
		}
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  URL strategy: %s\n", urlStrategy)
		fmt.Fprintf(w, "  Extra path: %q\n", extraPath)
		fmt.Fprintf(w, "  Exhaustion: %s\n", exhaustion)
		fmt.Fprintf(w, "  Relay: %s\n", relayAddr)
		fmt.Fprintf(w, "  Timeout: %s\n", timeout)
		fmt.Fprintf(w, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(w, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(w, "  Log level: %s\n", logLevel)

		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintf(w, "  Warning: pretty=true but jq not found in PATH\n")
		}

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
	},
}

func currentSettings() map[string]any {
	return map[string]any{
		"url-strategy": urlStrategy,
		"extra-path":   extraPath,
		"exhaustion":   exhaustion,
		"relay":        relayAddr,
		"timeout":      timeout.String(),
		"json":         outputJSON,
		"pretty":       prettyJSON,
		"log-level":    logLevel,
	}
}

func init() {
	configCmd.AddCommand(configViewCmd)
	rootCmd.AddCommand(configCmd)
}
