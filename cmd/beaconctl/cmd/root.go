package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cfgFile     string
	urlStrategy string
	extraPath   string
	exhaustion  string
	relayAddr   string
	timeout     time.Duration
	outputJSON  bool
	prettyJSON  bool
	logLevel    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beaconctl",
	Short: "Harbor Beacon CLI - Send and inspect SDK activity packages",
	Long: `Harbor Beacon CLI (beaconctl) is a command line tool for the Harbor Beacon
package delivery core.

You can use it to send packages through the delivery queue, publish them to
a relay, see which backend URLs a package would use, and check relay health.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.beaconctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&urlStrategy, "url-strategy", "default", "named URL strategy or comma separated domains / base URLs")
	rootCmd.PersistentFlags().StringVar(&extraPath, "extra-path", "", "path inserted between host and kind path")
	rootCmd.PersistentFlags().StringVar(&exhaustion, "exhaustion", "stop", "what to do when every domain failed (stop or wrap)")
	rootCmd.PersistentFlags().StringVar(&relayAddr, "relay", "localhost:8083", "relay HTTP address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "log level (trace, debug, info, notice, error)")

	// Bind flags to viper
	for _, name := range []string{"url-strategy", "extra-path", "exhaustion", "relay", "timeout", "json", "pretty", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".beaconctl")
	}

	viper.SetEnvPrefix("BEACON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Flags win over the config file and the environment
	urlStrategy = viper.GetString("url-strategy")
	extraPath = viper.GetString("extra-path")
	exhaustion = viper.GetString("exhaustion")
	relayAddr = viper.GetString("relay")
	if d := viper.GetDuration("timeout"); d > 0 {
		timeout = d
	}
	outputJSON = viper.GetBool("json")
	prettyJSON = viper.GetBool("pretty")
	logLevel = viper.GetString("log-level")
}

// endpointConfig builds the URL strategy config from the global flags
func endpointConfig() (endpoint.Config, error) {
	policy, err := endpoint.ParseExhaustionPolicy(exhaustion)
	if err != nil {
		return endpoint.Config{}, err
	}
	return endpoint.Config{Info: urlStrategy, ExtraPath: extraPath, Exhaustion: policy}, nil
}

// newLogger writes to w at the --log-level level
func newLogger(w io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	return logging.NewWithWriter("beaconctl", w, level), nil
}

// parseParams turns key=value arguments into package parameters
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, failure.Configf("package parameters", "expected key=value, got %q", arg)
		}
		params[strings.TrimSpace(key)] = value
	}
	return params, nil
}

// buildPackage parses the kind, consent and parameter arguments
func buildPackage(kind, consent string, args []string) (*activity.Package, error) {
	k, err := activity.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	c, err := activity.ParseConsent(consent)
	if err != nil {
		return nil, err
	}
	params, err := parseParams(args)
	if err != nil {
		return nil, err
	}
	return activity.New(k, c, params)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput writes v to w in the requested format
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		// Human-readable format
		if s, ok := v.(fmt.Stringer); ok {
			fmt.Fprintln(w, s.String())
			return
		}
		fmt.Fprintf(w, "%+v\n", v)
		return
	}

	var jsonData []byte
	var err error
	if prettyJSON {
		// Compact JSON if we're going to format with jq
		jsonData, err = json.Marshal(v)
	} else {
		jsonData, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			// jq output already includes newline
			fmt.Fprint(w, formatted)
			return
		}
		// Fall back to standard pretty printing if jq fails
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
	}
	fmt.Fprintln(w, string(jsonData))
}
