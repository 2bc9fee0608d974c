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
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
)

var (
	listRole        string
	addRole         string
	workerKVAddress string
)

// workersCmd represents the workers command
var workersCmd = &cobra.Command{
	Use:     "workers",
	Aliases: []string{"worker", "w"},
	Short:   "Manage prefill and decode workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	Long: `List registered workers with their health, load and source.

Examples:
  pdctl workers list
  pdctl workers list --role decode -o yaml`,
	Args: cobra.NoArgs,
	RunE: runWorkersList,
}

var workersAddCmd = &cobra.Command{
	Use:   "add ADDRESS",
	Short: "Register a worker",
	Long: `Register a worker under a role. ADDRESS may carry the KV transfer
address as host:port@kv_host:kv_port.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkersAdd,
}

var workersRemoveCmd = &cobra.Command{
	Use:     "remove ADDRESS",
	Aliases: []string{"rm", "delete"},
	Short:   "Deregister a worker from every role",
	Args:    cobra.ExactArgs(1),
	RunE:    runWorkersRemove,
}

var workersDrainCmd = &cobra.Command{
	Use:   "drain ADDRESS",
	Short: "Stop sending new requests to a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersDrain,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersAddCmd)
	workersCmd.AddCommand(workersRemoveCmd)
	workersCmd.AddCommand(workersDrainCmd)

	workersListCmd.Flags().StringVar(&listRole, "role", "", "Only list workers of this role (prefill|decode)")
	workersAddCmd.Flags().StringVar(&addRole, "role", "", "Worker role (prefill|decode)")
	workersAddCmd.Flags().StringVar(&workerKVAddress, "kv-address", "", "KV transfer address, defaults to ADDRESS")
	_ = workersAddCmd.MarkFlagRequired("role")
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	path := "/workers"
	if listRole != "" {
		path += "?role=" + url.QueryEscape(listRole)
	}
	var workers map[datastore.Role][]datastore.Worker
	if err := newClient().Do(cmd.Context(), http.MethodGet, path, nil, &workers); err != nil {
		return err
	}

	total := 0
	for _, ws := range workers {
		total += len(ws)
	}
	if total == 0 && (outputFormat == "" || outputFormat == "table") {
		fmt.Fprintln(cmd.OutOrStdout(), "No workers registered.")
		return nil
	}

	return printObject(cmd.OutOrStdout(), workers, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ROLE\tADDRESS\tKV ADDRESS\tSTATUS\tLOAD\tIN-FLIGHT\tSOURCE\tAGE")
		for _, role := range datastore.Roles {
			for _, worker := range workers[role] {
				age := time.Since(worker.RegisteredAt).Truncate(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%d\t%s\t%s\n",
					role, worker.Address, worker.TransferAddress(), worker.Status, worker.Load, worker.InFlight, worker.Source, age)
			}
		}
	})
}

func runWorkersAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"address":    args[0],
		"role":       addRole,
		"kv_address": workerKVAddress,
	}
	var worker datastore.Worker
	if err := newClient().Do(cmd.Context(), http.MethodPost, "/workers", body, &worker); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s worker %s registered (kv %s, %s)\n", worker.Role, worker.Address, worker.TransferAddress(), worker.Status)
	return nil
}

func runWorkersRemove(cmd *cobra.Command, args []string) error {
	if err := newClient().Do(cmd.Context(), http.MethodDelete, "/workers?address="+url.QueryEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "worker %s removed\n", args[0])
	return nil
}

func runWorkersDrain(cmd *cobra.Command, args []string) error {
	if err := newClient().Do(cmd.Context(), http.MethodPost, "/workers/drain?address="+url.QueryEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "worker %s draining\n", args[0])
	return nil
}
