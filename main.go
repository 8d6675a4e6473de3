// Package main provides the entry point for the voicepipe CLI application.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carolrp/voicepipe/internal/config"
	"github.com/carolrp/voicepipe/internal/metrics"
	"github.com/carolrp/voicepipe/internal/voice"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool
	cfg        config.Config

	rootCmd = &cobra.Command{
		Use:   "voicepipe",
		Short: "Talk to your characters from the terminal",
		Long: paragraph(
			fmt.Sprintf("\nSpeak, listen and chat with roleplay characters, %s.", keyword("out loud")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

func validateOptions(cmd *cobra.Command) error {
	if debug || viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
		log.Debug("Using configuration file", "path", configFile)
	}

	loaded, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// newController builds the voice pipeline for a subcommand and starts the
// metrics endpoint when one is configured. The returned func releases both.
func newController(ctx context.Context) (*voice.Controller, func(), error) {
	var m *metrics.Metrics
	ctx, cancel := context.WithCancel(ctx)
	if cfg.Metrics.Addr != "" {
		m = metrics.NewMetrics()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("Metrics endpoint failed", "addr", cfg.Metrics.Addr, "err", err)
			}
		}()
	}

	c, err := voice.New(cfg, voice.Options{Metrics: m})
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("unable to start voice pipeline: %w", err)
	}
	watchConfig(c)

	return c, func() {
		if err := c.Close(); err != nil {
			log.Warn("Voice pipeline did not close cleanly", "err", err)
		}
		cancel()
	}, nil
}

// watchConfig applies volume changes from the config file while a command
// runs.
func watchConfig(c *voice.Controller) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		v := viper.GetFloat64("tts.volume")
		log.Debug("Configuration changed", "path", e.Name, "volume", v)
		c.SetVolume(v)
	})
	viper.WatchConfig()
}

// waitForQueue blocks until every accepted utterance was played or skipped.
func waitForQueue(ctx context.Context, c *voice.Controller) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var speaking string
	for {
		st := c.Stats().Queue
		if st.TotalPlayed+st.TotalSkipped >= st.TotalEnqueued && !c.IsPlaying() {
			return nil
		}
		if cur := c.CurrentUtterance(); cur != nil && cur.ID != speaking {
			speaking = cur.ID
			log.Debug("Speaking", "text", cur.Text, "waiting", c.QueueLength())
		}
		select {
		case <-ctx.Done():
			if pending := c.PendingUtterances(); len(pending) > 0 {
				log.Info("Interrupted, dropping queued sentences", "count", len(pending), "next", pending[0].Text)
			}
			c.ClearQueue()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// streamingClient is used for endpoints that stay open for the length of a
// conversation.
func streamingClient() *http.Client {
	return &http.Client{}
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write debug output to the log file")
	rootCmd.PersistentFlags().String("api", "", "backend base URL")
	rootCmd.PersistentFlags().Int64P("speaker", "s", 0, "character whose voice is used")
	rootCmd.PersistentFlags().Float64P("volume", "v", 0, "playback volume (0.0 to 1.0)")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("tts.speaker_id", rootCmd.PersistentFlags().Lookup("speaker"))
	_ = viper.BindPFlag("tts.volume", rootCmd.PersistentFlags().Lookup("volume"))

	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(speakCmd, listenCmd, chatCmd, statusCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "voicepipe")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "voicepipe")}, dirs...)
	}

	if c := os.Getenv("VOICEPIPE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("voicepipe")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("voicepipe")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "voicepipe.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
