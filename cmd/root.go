package cmd

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/josephlewis42/tsh/core/config"
	"github.com/josephlewis42/tsh/core/job"
	"github.com/josephlewis42/tsh/core/logger"
	"github.com/josephlewis42/tsh/core/shell"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	cfgPath     string
	commandFlag string

	// exitCode is the status of the shell once rootCmd returns.
	exitCode int
)

func loadConfig() (*config.Configuration, error) {
	configuration, err := config.Load(cfgPath)

	if errors.Is(err, fs.ErrNotExist) {
		log.Println("Couldn't load config: did you run init?")
	}

	return configuration, err
}

// shellConfig loads the configuration, falling back to the built-in one so
// the shell always starts.
func shellConfig(logger *log.Logger) *config.Configuration {
	configuration, err := config.Load(cfgPath)
	switch {
	case err == nil:
		return configuration
	case errors.Is(err, fs.ErrNotExist):
		return config.Default()
	default:
		logger.Printf("Couldn't load config, using defaults: %v", err)
		return config.Default()
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tsh [flags] [script [args...]]",
	Short: "A job control shell",
	Long: `A POSIX style shell with job control.

Without arguments tsh reads commands from the terminal, runs each pipeline as
a job in its own process group and lets you move jobs between the foreground
and background with fg, bg and Ctrl-Z.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		exitCode = runShell(cmd, args)
		return nil
	},
}

func runShell(cmd *cobra.Command, args []string) int {
	shellLogger := log.New(cmd.ErrOrStderr(), "[tsh] ", 0)
	configuration := shellConfig(shellLogger)

	stdin := os.Stdin
	readsTerminal := commandFlag == "" && len(args) == 0 && term.IsTerminal(int(stdin.Fd()))
	jobControl := configuration.UseJobControl(readsTerminal)

	var terminal job.Terminal
	if jobControl {
		restore := job.IgnoreTerminalSignals()
		defer restore()
		terminal = job.NewTerminal(stdin)
	}

	var events logger.EventRecorder = logger.Nop{}
	switch fd, err := configuration.OpenEventLog(); {
	case err == nil:
		defer fd.Close()
		events = logger.NewJSONLinesRecorder(fd, time.Now)
	case errors.Is(err, config.ErrNoConfigDir), errors.Is(err, fs.ErrNotExist):
		// Event logging is disabled.
	default:
		shellLogger.Printf("Couldn't open event log: %v", err)
	}

	table := job.NewTable(job.Options{
		Interactive: jobControl,
		Stdin:       stdin,
		Terminal:    terminal,
		Events:      events,
	})

	sh := shell.New(shell.Options{
		Jobs:         table,
		Stdin:        stdin,
		Stdout:       cmd.OutOrStdout(),
		Stderr:       cmd.ErrOrStderr(),
		Prompt:       configuration.Prompt,
		Color:        configuration.Color,
		HistoryFile:  configuration.HistoryPath(),
		HistoryLimit: configuration.HistoryLimit,
		Logger:       shellLogger,
	})

	switch {
	case commandFlag != "":
		if len(args) > 0 {
			sh.Vars.SetArgs(args)
		}
		sh.RunCommand(commandFlag)
		return sh.ExitCode()

	case len(args) > 0:
		script, err := os.Open(args[0])
		if err != nil {
			shellLogger.Println(err)
			return job.ExitSpawnFailed
		}
		defer script.Close()
		sh.Vars.SetArgs(args)
		return sh.RunScript(script)

	case readsTerminal:
		return sh.RunInteractive()

	default:
		return sh.RunScript(stdin)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultDir(), "config path")
	rootCmd.Flags().StringVarP(&commandFlag, "command", "c", "", "run the command string and exit")
	// Flags after the script name belong to the script.
	rootCmd.Flags().SetInterspersed(false)
}
