package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/carolrp/voicepipe/internal/segment"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var speakStreamed bool

var speakCmd = &cobra.Command{
	Use:   "speak [TEXT...]",
	Short: "Read text aloud in a character's voice",
	Long: paragraph(fmt.Sprintf("\n%s the given text, or lines read from stdin, in the voice of the configured character. Markdown is stripped and long passages are split into sentences.",
		keyword("Speak"))),
	Example: paragraph("voicepipe speak 你好，今天过得怎么样？\necho '# Hello' | voicepipe speak --speaker 3\nvoicepipe speak --stream 讲一个很长的故事"),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var src io.Reader
		switch {
		case len(args) > 0:
			src = strings.NewReader(strings.Join(args, " "))
		case !term.IsTerminal(int(os.Stdin.Fd())):
			src = os.Stdin
		default:
			return errors.New("nothing to speak: pass text or pipe it through stdin")
		}

		c, release, err := newController(ctx)
		if err != nil {
			return err
		}
		defer release()

		if speakStreamed {
			err := speakStream(ctx, src, func(text string) error {
				return c.SpeakStream(ctx, text, 0)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}

		if err := speak(ctx, src, func(s segment.Sentence) bool {
			return c.EnqueueUtterance(s.Text, 0, s.IsFirst)
		}); err != nil {
			return err
		}

		if err := waitForQueue(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	speakCmd.Flags().BoolVar(&speakStreamed, "stream", false, "play audio chunks as the backend streams them (experimental)")
}

// speak segments src line by line and hands every sentence to enqueue.
func speak(ctx context.Context, src io.Reader, enqueue func(segment.Sentence) bool) error {
	seg := segment.New(segment.DefaultMaxRunes)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	push := func(sentences []segment.Sentence) {
		for _, s := range sentences {
			if !enqueue(s) {
				log.Debug("Sentence not queued", "text", s.Text)
			}
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		push(seg.Push(scanner.Text() + "\n"))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("unable to read input: %w", err)
	}
	push(seg.Flush())
	return nil
}

// speakStream segments all of src and plays each sentence in turn.
func speakStream(ctx context.Context, src io.Reader, play func(text string) error) error {
	b, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("unable to read input: %w", err)
	}
	for _, sentence := range segment.Split(string(b), segment.DefaultMaxRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := play(sentence); err != nil {
			return err
		}
	}
	return nil
}
