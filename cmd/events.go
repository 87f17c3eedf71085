package cmd

import (
	"bufio"
	"fmt"

	"github.com/josephlewis42/tsh/core/logger"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"
)

var (
	listJobID int64
	listType  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Explore the job event log.",
}

var reportCommand = &cobra.Command{
	Use:   "report",
	Short: "Show a report of events.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		config, err := loadConfig()
		if err != nil {
			return err
		}

		fd, err := config.ReadEventLog()
		if err != nil {
			return err
		}
		defer fd.Close()

		report := logger.NewReport()
		if err := logger.ReadJSONLinesLog(fd, report.Update); err != nil {
			return err
		}

		out, err := yaml.Marshal(report)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		return nil
	},
}

var listCommand = &cobra.Command{
	Use:   "list",
	Short: "Print raw events, optionally filtered by job or type.",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		config, err := loadConfig()
		if err != nil {
			return err
		}

		fd, err := config.ReadEventLog()
		if err != nil {
			return err
		}
		defer fd.Close()

		scanner := bufio.NewScanner(fd)
		for scanner.Scan() {
			line := scanner.Text()
			if !gjson.Valid(line) {
				continue
			}
			if listJobID > 0 && gjson.Get(line, "job_id").Int() != listJobID {
				continue
			}
			if listType != "" && gjson.Get(line, "type").String() != listType {
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return scanner.Err()
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(reportCommand)
	eventsCmd.AddCommand(listCommand)

	listCommand.Flags().Int64Var(&listJobID, "job", 0, "only show events for the job id")
	listCommand.Flags().StringVar(&listType, "type", "", "only show events of the type, e.g. job_done")
}
