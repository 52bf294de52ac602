// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/actionstat/actionstat/internal/engine/bootstrap"
	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/stats"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/version"
)

var (
	configFile string
	branch     string
	direction  string
	period     string
	from       string
)

func main() {
	root := &cobra.Command{
		Use:   "actionstat",
		Short: "Workflow run statistics engine",
	}
	root.PersistentFlags().StringVar(&configFile, "conf", "conf.d/config.toml", "config file path, e.g. --conf ./conf.d/config.toml")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := bootstrap.NewApp(configFile)
			if err != nil {
				return err
			}
			bootstrap.Run(app, cleanup)
			return nil
		},
	}

	ingest := &cobra.Command{
		Use:   "ingest <owner> <repo> <workflow>",
		Short: "Run one ingestion pass and exit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := bootstrap.NewApp(configFile)
			if err != nil {
				return err
			}
			defer cleanup()

			ref := provider.WorkflowRef{Owner: args[0], Repo: args[1], Workflow: args[2], Branch: branch}
			result, err := app.Ingest.IngestUpdates(cmd.Context(), ref, provider.Direction(direction))
			if err != nil {
				return err
			}
			fmt.Printf("ingested %d run(s)", result.Added)
			if result.Stopped != "" {
				fmt.Printf(" (stopped early: %s)", result.Stopped)
			}
			fmt.Println()
			return nil
		},
	}
	ingest.Flags().StringVar(&branch, "branch", "", "restrict to one branch")
	ingest.Flags().StringVar(&direction, "direction", "newest", "ingestion direction: newest or oldest")

	aggregate := &cobra.Command{
		Use:   "aggregate <owner> <repo> <workflow>",
		Short: "Aggregate runs into time buckets and print the records",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := bootstrap.NewApp(configFile)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := stats.ParsePeriod(period)
			if err != nil {
				return err
			}
			start := time.Now().UTC()
			if from != "" {
				if start, err = time.Parse("2006-01-02", from); err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
			}

			key := model.BuildWorkflowKey(args[0], args[1], args[2], branch)
			records, err := app.Stats.Aggregate(cmd.Context(), key, p, start)
			if err != nil {
				return err
			}
			out, err := sonic.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	aggregate.Flags().StringVar(&branch, "branch", "", "restrict to one branch")
	aggregate.Flags().StringVar(&period, "period", string(stats.PeriodWeek), "bucket granularity: day, week, month or year")
	aggregate.Flags().StringVar(&from, "from", "", "window start date (YYYY-MM-DD), defaults to now")

	root.AddCommand(serve, ingest, aggregate, version.VersionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
