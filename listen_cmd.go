package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/carolrp/voicepipe/internal/capture"
	"github.com/carolrp/voicepipe/internal/voice"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	listenCopy     bool
	listenSave     string
	listenDuration time.Duration

	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Transcribe the microphone",
		Long: paragraph(fmt.Sprintf("\n%s to the default microphone and print what is said. Interim results are redrawn in place; press ctrl+c to stop.",
			keyword("Listen"))),
		Example: paragraph("voicepipe listen --copy\nvoicepipe listen --duration 10s --save take.wav"),
		Args:    cobra.NoArgs,
		RunE:    runListen,
	}
)

func init() {
	listenCmd.Flags().BoolVarP(&listenCopy, "copy", "c", false, "copy the final transcript to the clipboard")
	listenCmd.Flags().StringVar(&listenSave, "save", "", "save the recording as a WAV file")
	listenCmd.Flags().DurationVarP(&listenDuration, "duration", "d", 0, "stop after this long (0 waits for ctrl+c)")
}

func runListen(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if listenDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, listenDuration)
		defer cancel()
	}

	c, release, err := newController(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	live := newLiveLine(os.Stdout)
	c.OnPartialResult(live.Update)
	c.OnFinalResult(live.Commit)
	c.OnError(func(msg string) {
		live.Message(errorText("✗ " + msg))
	})

	rec, err := capture.NewRecorder(capture.Config{SampleRate: cfg.ASR.SampleRate})
	if err != nil {
		return err
	}

	if err := c.StartRecognition(ctx); err != nil {
		return fmt.Errorf("unable to start recognition: %w", err)
	}
	live.Message(subtle("● listening, press ctrl+c to stop"))

	chunks := make(chan []byte, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		uploadChunks(c, chunks)
	}()

	if err := rec.Start(ctx, func(pcm []byte) {
		select {
		case chunks <- pcm:
		default:
			log.Warn("Dropping audio chunk, upload is falling behind")
		}
	}); err != nil {
		close(chunks)
		wg.Wait()
		c.StopRecognition(context.Background())
		return err
	}

	<-ctx.Done()

	samples := rec.Stop()
	close(chunks)
	wg.Wait()

	text := c.StopRecognition(context.Background())
	live.Clear()
	if text == "" {
		fmt.Println(subtle("(nothing recognized)"))
	} else {
		fmt.Println(text)
	}

	if listenSave != "" && len(samples) > 0 {
		if err := capture.WriteWAV(listenSave, samples, rec.SampleRate()); err != nil {
			return err
		}
		fmt.Println(subtle("saved recording to " + listenSave))
	}

	if listenCopy && text != "" {
		if err := clipboard.WriteAll(text); err != nil {
			log.Warn("Could not copy transcript", "err", err)
		} else {
			fmt.Println(subtle("copied to clipboard"))
		}
	}
	return nil
}

// uploadChunks sends PCM blocks in capture order.
func uploadChunks(c *voice.Controller, chunks <-chan []byte) {
	for pcm := range chunks {
		if err := c.SendAudioChunk(context.Background(), pcm); err != nil {
			log.Debug("Audio chunk not sent", "err", err)
		}
	}
}

// liveLine redraws one terminal line with the interim transcript.
type liveLine struct {
	out   *termenv.Output
	fd    int
	isTTY bool

	mu sync.Mutex
}

func newLiveLine(f *os.File) *liveLine {
	return &liveLine{
		out:   termenv.NewOutput(f),
		fd:    int(f.Fd()),
		isTTY: term.IsTerminal(int(f.Fd())),
	}
}

func (l *liveLine) width() int {
	if w, _, err := term.GetSize(l.fd); err == nil && w > 0 {
		return w
	}
	return 80
}

// Update replaces the current line with text, keeping the tail visible.
func (l *liveLine) Update(text string) {
	if !l.isTTY {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.width() - 1
	if runewidth.StringWidth(text) > w {
		text = runewidth.TruncateLeft(text, runewidth.StringWidth(text)-w+1, "…")
	}
	l.out.ClearLine()
	fmt.Fprint(l.out, "\r"+l.out.String(text).Faint().String())
}

// Commit prints text as a finished line.
func (l *liveLine) Commit(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isTTY {
		l.out.ClearLine()
		fmt.Fprint(l.out, "\r")
	}
	fmt.Fprintln(l.out, keyword("› ")+text)
}

// Message prints a status line above the live line.
func (l *liveLine) Message(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isTTY {
		l.out.ClearLine()
		fmt.Fprint(l.out, "\r")
	}
	fmt.Fprintln(l.out, msg)
}

// Clear erases the live line.
func (l *liveLine) Clear() {
	if !l.isTTY {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.ClearLine()
	fmt.Fprint(l.out, "\r")
}
