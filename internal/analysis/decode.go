// Package analysis extracts waveform peaks, beats and per-frame band
// energies from audio files.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// ConvertRate is the sample rate ffmpeg output is resampled to.
const ConvertRate = 22050

var ErrUnsupported = errors.New("unsupported audio file")

// Signal is a decoded mono track.
type Signal struct {
	Samples    []float64
	SampleRate int
}

func (s Signal) Duration() time.Duration {
	if s.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(s.Samples)) / float64(s.SampleRate) * float64(time.Second))
}

// Decode reads path into a mono signal. WAV and MP3 are decoded in process;
// anything else is converted with ffmpeg first.
func Decode(ctx context.Context, path, ffmpeg string) (Signal, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return decodeFile(path, decodeWAV)
	case ".mp3":
		return decodeFile(path, decodeMP3)
	}
	if ffmpeg == "" {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}
	return convert(ctx, path, ffmpeg)
}

type decodeFunc func(f *os.File) (beep.StreamSeekCloser, beep.Format, error)

func decodeWAV(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(f) }
func decodeMP3(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return mp3.Decode(f) }

func decodeFile(path string, decode decodeFunc) (Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signal{}, fmt.Errorf("open audio: %w", err)
	}
	stream, format, err := decode(f)
	if err != nil {
		f.Close()
		return Signal{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	defer stream.Close()
	return readStream(stream, format), nil
}

func readStream(s beep.Streamer, format beep.Format) Signal {
	sig := Signal{SampleRate: int(format.SampleRate)}
	buf := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			sig.Samples = append(sig.Samples, (frame[0]+frame[1])/2)
		}
		if !ok {
			return sig
		}
	}
}

// convert runs ffmpeg to produce a mono WAV in the temp dir.
// Cancelling ctx kills the subprocess.
func convert(ctx context.Context, path, ffmpeg string) (Signal, error) {
	tmp, err := os.CreateTemp("", "defora-audio-*.wav")
	if err != nil {
		return Signal{}, fmt.Errorf("create temp file: %w", err)
	}
	out := tmp.Name()
	tmp.Close()
	defer os.Remove(out)

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-nostdin", "-loglevel", "error", "-y",
		"-i", path,
		"-ac", "1", "-ar", fmt.Sprint(ConvertRate),
		"-f", "wav", out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Signal{}, ctx.Err()
		}
		return Signal{}, fmt.Errorf("ffmpeg %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	return decodeFile(out, decodeWAV)
}
