// Command client streams audio to a running transcription server over
// the TCP protocol and prints the results. It can stream a 16 kHz mono
// WAV file or a synthetic test tone.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kevinraymond/stt-server/internal/audio"
	"github.com/kevinraymond/stt-server/internal/protocol"
)

const (
	sampleRate  = 16000
	frameMillis = 20
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "Server address")
	wavPath := flag.String("wav", "", "Path to a 16 kHz mono WAV file to stream (synthetic tone if empty)")
	language := flag.String("language", "", "Request a transcription language before streaming")
	toneSeconds := flag.Int("tone-seconds", 5, "Length of the synthetic tone when no WAV file is given")
	realtime := flag.Bool("realtime", true, "Pace frames at real time instead of sending as fast as possible")
	flag.Parse()

	samples, err := loadSamples(*wavPath, *toneSeconds)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()
	log.Printf("Connected to %s, streaming %.1fs of audio", *addr, float64(len(samples))/sampleRate)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Reader: print everything the server sends until it closes the
	// connection after our end_of_stream drain.
	g.Go(func() error {
		defer cancel()
		reader := bufio.NewReader(conn)
		for {
			msg, err := protocol.ReadMessage(reader)
			if err != nil {
				return nil // server closed the connection
			}
			printMessage(msg)
			if msg.Status != nil && msg.Status.State == "closed" {
				return nil
			}
		}
	})

	// Writer: stream frames, then signal end of stream.
	g.Go(func() error {
		if *language != "" {
			ctl, err := protocol.EncodeControl(protocol.ControlPayload{Action: "set_language", Language: *language})
			if err != nil {
				return err
			}
			if _, err := conn.Write(ctl); err != nil {
				return err
			}
		}

		frameSamples := sampleRate * frameMillis / 1000
		var seq uint32
		for off := 0; off < len(samples); off += frameSamples {
			end := off + frameSamples
			if end > len(samples) {
				end = len(samples)
			}
			frame, err := protocol.EncodeAudioFrame(seq, audio.EncodePCM16(samples[off:end]))
			if err != nil {
				return err
			}
			if _, err := conn.Write(frame); err != nil {
				return fmt.Errorf("write frame %d: %w", seq, err)
			}
			seq++
			if *realtime {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(frameMillis * time.Millisecond):
				}
			}
		}

		log.Printf("Sent %d frames, requesting end of stream", seq)
		eos, err := protocol.EncodeControl(protocol.ControlPayload{Action: "end_of_stream"})
		if err != nil {
			return err
		}
		if _, err := conn.Write(eos); err != nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Stream failed: %v", err)
	}
	log.Println("Done")
}

func printMessage(msg *protocol.Message) {
	switch {
	case msg.Transcript != nil:
		kind := "partial"
		if msg.Header.MsgType == protocol.MsgTypeFinalTranscript {
			kind = "final  "
		}
		t := msg.Transcript
		log.Printf("[%s] %6d-%6dms (%s): %s", kind, t.StartMs, t.EndMs, t.Language, t.Text)
	case msg.Error != nil:
		log.Printf("[error] %s: %s", msg.Error.Kind, msg.Error.Message)
	case msg.Status != nil:
		log.Printf("[status] %s", msg.Status.State)
	default:
		log.Printf("[0x%02x] %d bytes", msg.Header.MsgType, msg.Header.PayloadLen)
	}
}

func loadSamples(wavPath string, toneSeconds int) ([]int16, error) {
	if wavPath == "" {
		return syntheticTone(toneSeconds), nil
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if rate != sampleRate {
		return nil, fmt.Errorf("unsupported sample rate %d, want %d", rate, sampleRate)
	}
	return samples, nil
}

// syntheticTone produces a 440 Hz tone with a short leading and
// trailing silence so the server's segmenter has boundaries to find.
func syntheticTone(seconds int) []int16 {
	silence := sampleRate / 2
	tone := sampleRate * seconds
	samples := make([]int16, silence+tone+silence)
	for i := 0; i < tone; i++ {
		samples[silence+i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
	}
	return samples
}
