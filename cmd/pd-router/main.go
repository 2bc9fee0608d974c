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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/pd-router/cmd/pd-router/app"
)

func newRootCommand() *cobra.Command {
	opts := app.NewOptions()
	cmd := &cobra.Command{
		Use:   "pd-router",
		Short: "Session-affine router for prefill/decode disaggregated LLM serving",
		Long: `pd-router accepts OpenAI-compatible completion requests and sends each one
to a prefill worker and then a decode worker. Requests that carry the same
session or user id keep landing on the same pair of workers.

Examples:
  pd-router --prefill 10.0.0.1:8000@10.0.0.1:21001 --decode 10.0.0.2:8000
  pd-router --config /etc/pd-router/config.yaml
  pd-router --policy least_load --prefill-policy consistent_hash --kube-namespace serving \
    --prefill-selector pd-role=prefill --decode-selector pd-role=decode`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			server, err := app.NewServer(cfg, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-signalCh
				klog.Info("Received termination, signaling shutdown")
				cancel()
			}()

			return server.Run(ctx)
		},
	}

	// Initialize klog flags
	klog.InitFlags(nil)
	cmd.Flags().AddGoFlagSet(flag.CommandLine)
	opts.AddFlags(cmd.Flags())
	return cmd
}

func main() {
	defer klog.Flush()
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
