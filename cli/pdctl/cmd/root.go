/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddress string
	outputFormat  string
	timeout       time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pdctl",
	Short: "Inspect and manage a running pd-router",
	Long: `pdctl talks to the admin and debug endpoints of a pd-router.

It allows you to:
- List, add, drain and remove prefill and decode workers
- Inspect the hash rings and recent session assignments
- Ask the router which workers a request would be sent to

Examples:
  pdctl workers list
  pdctl workers add 10.0.0.5:8000 --role prefill --kv-address 10.0.0.5:21001
  pdctl workers drain 10.0.0.5:8000
  pdctl ring decode -o yaml
  pdctl route --session chat-42`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultServer() string {
	if s := os.Getenv("PDCTL_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddress, "server", "s", defaultServer(), "pd-router base URL (env PDCTL_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table|yaml|json)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
}
