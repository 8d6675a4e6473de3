package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/carolrp/voicepipe/internal/chat"
	"github.com/carolrp/voicepipe/internal/segment"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/carolrp/voicepipe/internal/voice"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	chatMute        bool
	chatServerAudio bool

	chatCmd = &cobra.Command{
		Use:   "chat MESSAGE",
		Short: "Send a message to a character and hear the reply",
		Long: paragraph(fmt.Sprintf("\n%s a message to the configured character. The reply is printed as it streams in and spoken sentence by sentence.",
			keyword("Send"))),
		Example: paragraph("voicepipe chat 讲个故事吧\nvoicepipe chat --speaker 3 --mute 'What can you do?'\nvoicepipe chat --server-audio 你好"),
		Args:    cobra.MinimumNArgs(1),
		RunE:    runChat,
	}
)

func init() {
	chatCmd.Flags().BoolVarP(&chatMute, "mute", "m", false, "print the reply without speaking it")
	chatCmd.Flags().BoolVar(&chatServerAudio, "server-audio", false, "play the audio the backend synthesizes for the reply instead of synthesizing sentences locally")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	tc, err := transport.New(cfg.Transport(), streamingClient())
	if err != nil {
		return err
	}
	client, err := chat.NewClient(tc)
	if err != nil {
		return err
	}

	speakerID := cfg.TTS.SpeakerID
	enqueue := func(segment.Sentence) {}
	announce := func(chat.TTSEvent) {}
	wait := func() error { return nil }

	if !chatMute {
		c, release, err := newController(cmd.Context())
		if err != nil {
			return err
		}
		defer release()

		if chatServerAudio {
			clips := make(chan string, 16)
			done := make(chan struct{})
			go func() {
				defer close(done)
				playClips(ctx, c, clips)
			}()
			announce = func(ev chat.TTSEvent) {
				if !ev.Success || ev.AudioURL == "" {
					return
				}
				select {
				case clips <- ev.AudioURL:
				case <-ctx.Done():
				}
			}
			var once sync.Once
			finish := func() { once.Do(func() { close(clips) }) }
			defer finish()

			wait = func() error {
				finish()
				<-done
				return ctx.Err()
			}
		} else {
			enqueue = func(s segment.Sentence) {
				if !c.EnqueueUtterance(s.Text, speakerID, s.IsFirst) {
					log.Debug("Sentence not queued", "text", s.Text)
				}
			}
			wait = func() error { return waitForQueue(ctx, c) }
		}
	}

	seg := segment.New(segment.DefaultMaxRunes)
	out := cmd.OutOrStdout()

	_, err = client.Stream(ctx, speakerID, strings.Join(args, " "), chat.Handler{
		OnContent: func(text string) {
			fmt.Fprint(out, text)
			for _, s := range seg.Push(text) {
				enqueue(s)
			}
		},
		OnTTS: func(ev chat.TTSEvent) {
			log.Debug("Server-side audio announced", "url", ev.AudioURL, "voice", ev.Voice, "success", ev.Success)
			announce(ev)
		},
		OnError: func(msg string) {
			fmt.Fprintln(os.Stderr, errorText("✗ "+msg))
		},
	})
	fmt.Fprintln(out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	for _, s := range seg.Flush() {
		enqueue(s)
	}

	if err := wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// playClips plays server-synthesized clips in the order they were announced.
func playClips(ctx context.Context, c *voice.Controller, clips <-chan string) {
	for url := range clips {
		if ctx.Err() != nil {
			continue
		}
		if err := c.PlayURL(ctx, url); err != nil && ctx.Err() == nil {
			log.Warn("Could not play server audio", "url", url, "err", err)
		}
	}
}
