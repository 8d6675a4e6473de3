package main

import (
	"context"
	"fmt"

	"github.com/carolrp/voicepipe/internal/cache"
	"github.com/carolrp/voicepipe/internal/config"
	"github.com/carolrp/voicepipe/internal/voice"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Check the audio device, the cache and the backend",
	Long:    paragraph(fmt.Sprintf("\n%s that the voice pipeline starts, show the audio cache and ask the backend for the state of its recognition service.", keyword("Check"))),
	Example: paragraph("voicepipe status\nvoicepipe status --api http://localhost:18080"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, release, err := newController(cmd.Context())
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
		defer cancel()
		asrStatus, asrErr := c.RecognitionStatus(ctx)

		out, err := yaml.Marshal(statusReport(cfg, c.Stats(), asrStatus, asrErr))
		if err != nil {
			return fmt.Errorf("unable to encode status: %w", err)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	},
}

// statusReport collects what `voicepipe status` prints.
func statusReport(cfg config.Config, st voice.Stats, asrStatus map[string]any, asrErr error) map[string]any {
	report := map[string]any{
		"backend":    cfg.API.BaseURL,
		"speaker_id": cfg.TTS.SpeakerID,
		"volume":     st.Volume,
	}

	if cfg.TTS.Cache.Enabled {
		report["cache"] = map[string]any{
			"dir":    cfg.TTS.Cache.Dir,
			"memory": tierSummary(st.MemoryCache),
			"disk":   tierSummary(st.DiskCache),
		}
	} else {
		report["cache"] = "disabled"
	}

	if asrErr != nil {
		report["recognition"] = "unavailable: " + asrErr.Error()
	} else {
		report["recognition"] = asrStatus
	}
	return report
}

func tierSummary(s cache.Stats) string {
	return fmt.Sprintf("%d items, %s of %s", s.Items,
		humanize.IBytes(uint64(s.Size)), humanize.IBytes(uint64(s.Capacity))) //nolint:gosec
}
