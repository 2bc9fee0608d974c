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
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/debug"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/router"
)

var (
	sessionLimit int

	routeSession string
	routeUser    string
	routePolicy  string
)

var ringCmd = &cobra.Command{
	Use:   "ring ROLE",
	Short: "Show the hash ring of a role",
	Long: `Show the members of a role's hash ring and the share of the hash space
each one owns.

Examples:
  pdctl ring prefill
  pdctl ring decode -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runRing,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [KEY]",
	Short: "Show recent session assignments",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Show where a request would be routed",
	Long: `Resolve the prefill and decode workers for a routing key without
sending anything to them.

Examples:
  pdctl route --session chat-42
  pdctl route --user alice --policy least_load`,
	Args: cobra.NoArgs,
	RunE: runRoute,
}

func init() {
	rootCmd.AddCommand(ringCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(routeCmd)

	sessionsCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Number of most recent sessions to show")
	routeCmd.Flags().StringVar(&routeSession, "session", "", "Session id")
	routeCmd.Flags().StringVar(&routeUser, "user", "", "User id")
	routeCmd.Flags().StringVar(&routePolicy, "policy", "", "Per-request policy hint")
}

func runRing(cmd *cobra.Command, args []string) error {
	var ring debug.RingResponse
	if err := newClient().Do(cmd.Context(), http.MethodGet, "/debug/rings/"+url.PathEscape(args[0]), nil, &ring); err != nil {
		return err
	}
	return printObject(cmd.OutOrStdout(), ring, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ROLE: %s\tVERSION: %d\tVNODES/WORKER: %d\tVNODES: %d\n\n", ring.Role, ring.Version, ring.VirtualNodes, ring.Size)
		fmt.Fprintln(w, "ADDRESS\tSTATUS\tSHARE")
		members := ring.Members
		sort.Slice(members, func(i, j int) bool { return members[i].Address < members[j].Address })
		for _, m := range members {
			fmt.Fprintf(w, "%s\t%s\t%.1f%%\n", m.Address, m.Status, ring.Distribution[m.Address]*100)
		}
	})
}

func runSessions(cmd *cobra.Command, args []string) error {
	client := newClient()
	var sessions []router.SessionAssignment
	if len(args) == 1 {
		var assignment router.SessionAssignment
		if err := client.Do(cmd.Context(), http.MethodGet, "/debug/sessions/"+url.PathEscape(args[0]), nil, &assignment); err != nil {
			return err
		}
		sessions = append(sessions, assignment)
	} else {
		var resp struct {
			Total    int                        `json:"total"`
			Sessions []router.SessionAssignment `json:"sessions"`
		}
		if err := client.Do(cmd.Context(), http.MethodGet, "/debug/sessions?limit="+strconv.Itoa(sessionLimit), nil, &resp); err != nil {
			return err
		}
		sessions = resp.Sessions
	}

	return printObject(cmd.OutOrStdout(), sessions, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "KEY\tPREFILL\tDECODE\tREQUESTS\tLAST SEEN")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.Key, s.Prefill, s.Decode, s.Requests, s.LastSeen.Format("15:04:05"))
		}
	})
}

func runRoute(cmd *cobra.Command, args []string) error {
	body := router.RoutingRequest{SessionID: routeSession, UserID: routeUser, PolicyHint: routePolicy}
	var decision router.RoutingDecision
	if err := newClient().Do(cmd.Context(), http.MethodPost, "/debug/route", body, &decision); err != nil {
		return err
	}
	return printObject(cmd.OutOrStdout(), decision, func(w *tabwriter.Writer) {
		key := decision.Key.Value
		if key == "" {
			key = "<none>"
		}
		fmt.Fprintf(w, "ROUTING KEY:\t%s (%s)\n", key, decision.Key.Source)
		fmt.Fprintf(w, "PREFILL:\t%s\t%s\tring v%d\n", decision.Prefill.Address, decision.PrefillPolicy, decision.PrefillRingVersion)
		fmt.Fprintf(w, "DECODE:\t%s\t%s\tring v%d\n", decision.Decode.Address, decision.DecodePolicy, decision.DecodeRingVersion)
		fmt.Fprintf(w, "TOKEN:\t%s\n", decision.Token)
	})
}
