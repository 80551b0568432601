// sparkd is the Spark daemon: a local always-on process that watches a
// coding agent's tool-use stream, learns across sessions, and injects
// advisory guidance back into the agent's loop.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"spark/internal/config"
)

// version is stamped at build time via -ldflags.
var version = "0.1.0-dev"

var (
	flagStateDir string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "sparkd",
	Short: "Spark - local intelligence daemon for coding agents",
	Long: `sparkd observes an AI coding agent's tool-use stream, distills durable
insights from it, and offers short advisory notes back before risky tool
calls. All state lives in a single user-owned directory (~/.spark by
default); the daemon binds loopback and requires a bearer token on ingest.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sparkd %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print daemon and bridge liveness from heartbeats and /health",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "",
		"state directory (default $SPARK_STATE_DIR or ~/.spark)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false,
		"enable debug logging")

	rootCmd.AddCommand(serveCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveStateDir applies the flag > env > home precedence shared by every
// subcommand.
func resolveStateDir() (string, error) {
	if flagStateDir != "" {
		return flagStateDir, nil
	}
	return config.ResolveStateDir()
}

func runStatus(cmd *cobra.Command, args []string) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return err
	}
	paths, err := config.NewPaths(stateDir)
	if err != nil {
		return err
	}

	fmt.Printf("state dir: %s\n", stateDir)

	if hb, err := readHeartbeat(paths.DaemonHeartbeat()); err == nil {
		fmt.Printf("daemon:    pid %v, era %v, heartbeat %s ago\n",
			hb["pid"], hb["era"], sinceField(hb, "ts"))
	} else {
		fmt.Println("daemon:    no heartbeat (not running?)")
	}

	if hb, err := readHeartbeat(paths.BridgeHeartbeat()); err == nil {
		state := "ok"
		if degraded, _ := hb["degraded"].(bool); degraded {
			state = "degraded"
		}
		fmt.Printf("bridge:    cycle %v (%s), %v events, heartbeat %s ago\n",
			hb["cycle"], state, hb["events"], sinceField(hb, "ts"))
	} else {
		fmt.Println("bridge:    no heartbeat yet")
	}

	url := os.Getenv(config.EnvURL)
	if url == "" {
		url = fmt.Sprintf("http://127.0.0.1:%d", config.ResolvePort())
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url + "/health")
	if err != nil {
		fmt.Printf("server:    unreachable at %s\n", url)
		return nil
	}
	defer resp.Body.Close()
	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err == nil {
		fmt.Printf("server:    %v at %s, up %vs\n", health["status"], url, health["uptime_seconds"])
	}
	return nil
}

func readHeartbeat(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// sinceField renders how long ago an RFC3339 timestamp field was written.
func sinceField(doc map[string]interface{}, key string) string {
	raw, _ := doc[key].(string)
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "unknown"
	}
	return time.Since(ts).Round(time.Second).String()
}
