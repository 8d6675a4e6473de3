package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultConfig = `# roleplay backend
api:
  base_url: "http://localhost:18080"
  # bearer token; VOICEPIPE_TOKEN takes precedence
  # token: ""
  timeout: "30s"

# text-to-speech
tts:
  # languageType sent with every sentence
  language: "Chinese"
  # character whose voice is used
  speaker_id: 1
  # playback volume (0.0 to 1.0), applied live when this file changes
  volume: 1.0
  # pause before the very first utterance
  first_play_delay: "2s"
  output_sample_rate: 48000

  rate_limit:
    # poll or smooth
    mode: "poll"
    capacity: 1
    refill_per_second: 0.5
    poll_interval: "2s"

  retry:
    max_attempts: 3
    base_delay: "1s"
    max_delay: "10s"
    multiplier: 2

  cache:
    enabled: true
    # dir: "~/.cache/voicepipe/audio"
    memory_mb: 32
    disk_mb: 256
    # zstd level, 0 disables compression
    compression_level: 3

# speech recognition
asr:
  model: "fun-asr-realtime"
  sample_rate: 16000
  language_hints: ["zh", "en"]
  connect_timeout: "10s"

# prometheus endpoint, e.g. ":9464"
metrics:
  addr: ""
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the voicepipe config file",
	Long:    paragraph(fmt.Sprintf("\n%s the voicepipe config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("voicepipe config\nvoicepipe config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("voicepipe", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Short:   "Print the effective configuration",
	Long:    paragraph(fmt.Sprintf("\n%s the configuration after defaults, the config file, environment variables and flags are applied. The token is redacted.", keyword("Print"))),
	Example: paragraph("voicepipe config show\nvoicepipe --speaker 3 config show"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings := viper.AllSettings()
		setNested(settings, cfg.API.BaseURL, "api", "base_url")
		if cfg.API.Token != "" {
			setNested(settings, "********", "api", "token")
		}
		setNested(settings, cfg.TTS.Cache.Dir, "tts", "cache", "dir")
		delete(settings, "debug")

		out, err := yaml.Marshal(printable(settings))
		if err != nil {
			return fmt.Errorf("unable to encode configuration: %w", err)
		}

		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintln(cmd.OutOrStdout(), subtle("# "+used))
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

// printable renders durations the way they are written in the config file.
func printable(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = printable(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = printable(val)
		}
		return out
	case time.Duration:
		return t.String()
	default:
		return v
	}
}

func setNested(m map[string]any, value any, keys ...string) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := strings.ToLower(path.Ext(configFile)); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
