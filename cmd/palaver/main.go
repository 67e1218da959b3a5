package main

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/palaver/cmd/palaver/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "palaver",
	Short: "palaver drives conversations with LLM providers and tools",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// flags are only parsed now, so --log-level and co apply from here on
		initLogger()
	},
}

// flagKeys maps persistent flags onto settings keys.
var flagKeys = map[string]string{
	"provider":        "provider",
	"model":           "model",
	"system":          "system_prompt",
	"max-turns":       "run.max_turns",
	"max-tool-passes": "run.max_tool_passes",
	"process-tools":   "run.process_tools",
	"greeting":        "run.generate_greeting",
	"strict-json":     "run.strict_json_output",
	"chunk-timeout":   "stream.chunk_timeout",
	"script":          "scripted.file",
	"script-stream":   "scripted.streaming",
	"openai-api-key":  "openai.api_key",
	"openai-base-url": "openai.base_url",
	"claude-api-key":  "claude.api_key",
	"ollama-host":     "ollama.host",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
	"with-caller":     "log.with_caller",
	"debug-events":    "log.debug_events",
}

func initLogger() {
	logLevel := viper.GetString("log.level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log.file"),
		LogFormat:  viper.GetString("log.format"),
		WithCaller: viper.GetBool("log.with_caller"),
	})
	cobra.CheckErr(err)
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initCommands(rootCmd *cobra.Command, configPath string) error {
	viper.SetEnvPrefix("palaver")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.palaver")
		viper.AddConfigPath("/etc/palaver")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/palaver")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	for name, key := range flagKeys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}
	if err := viper.BindPFlag("verbose", flags.Lookup("verbose")); err != nil {
		return err
	}

	// --verbose is not parsed yet, but the config file levels apply
	initLogger()

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("palaver: loaded configuration")

	return nil
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}
	var logWriter io.Writer = os.Stderr
	switch config.LogFormat {
	case "json":
	case "text":
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isatty.IsTerminal(os.Stderr.Fd())}
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) {
			logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
		}
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Log file, rotated (default: stderr only)")
	flags.String("config", "", "Path to config file (default ./config.yaml or ~/.palaver/config.yaml)")
	flags.Bool("verbose", false, "Verbose output")
	flags.Bool("debug-events", false, "Dump every published event as JSON to stderr")

	flags.String("provider", "scripted", "Provider (openai, ollama, claude, scripted)")
	flags.String("model", "", "Model, defaults to the provider's default model")
	flags.String("system", "", "System prompt")
	flags.Int("max-turns", 10, "Maximum provider calls per run")
	flags.Int("max-tool-passes", 5, "Maximum tool passes per drain")
	flags.Bool("process-tools", true, "Execute the tool calls the provider requests")
	flags.Bool("greeting", false, "Generate a greeting before the first run")
	flags.Bool("strict-json", false, "Fail when the response does not match the JSON output schema")
	flags.Duration("chunk-timeout", 0, "Abort a stream when no chunk arrives for this long (0 disables)")
	flags.String("script", "", "YAML script played by the scripted provider")
	flags.Bool("script-stream", true, "Let the scripted provider stream")
	flags.String("openai-api-key", "", "OpenAI API key")
	flags.String("openai-base-url", "", "OpenAI compatible base URL")
	flags.String("claude-api-key", "", "Anthropic API key")
	flags.String("ollama-host", "", "Ollama host, overrides OLLAMA_HOST")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
	}

	err := initCommands(rootCmd, configFile)
	if err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		cmds.NewRunCommand(),
		cmds.NewStreamCommand(),
		cmds.NewChatCommand(),
		cmds.NewSummarizeCommand(),
		cmds.NewToolsCommand(),
		cmds.NewTokensCommand(),
	)
}
