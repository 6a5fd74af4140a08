// Package stream watches the render output on disk and tells observers when
// the HLS playlist or the newest frame changes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/hub"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
)

const DefaultInterval = time.Second

var frameExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true}

// Frame is one rendered image.
type Frame struct {
	File  string    `json:"file"`
	MTime time.Time `json:"mtime"`
	Size  int64     `json:"size"`
}

// StreamEvent is broadcast when the playlist is rewritten.
type StreamEvent struct {
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FrameEvent is broadcast when a newer frame appears.
type FrameEvent struct {
	Type  string    `json:"type"`
	File  string    `json:"file"`
	MTime time.Time `json:"mtime"`
}

type Broadcaster interface {
	Broadcast(v any) int
}

type Options struct {
	FramesDir string
	Playlist  string
	Interval  time.Duration
	Hub       Broadcaster
}

// Poller stats the playlist and frames directory on a timer.
type Poller struct {
	opts Options

	mu       sync.Mutex
	playlist time.Time
	frame    Frame
}

func NewPoller(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Poller{opts: opts}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll runs one pass and broadcasts whatever changed.
func (p *Poller) Poll() {
	fields := logger.Component("stream")
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Playlist != "" {
		info, err := os.Stat(p.opts.Playlist)
		switch {
		case err == nil:
			if !info.ModTime().Equal(p.playlist) {
				p.playlist = info.ModTime()
				p.opts.Hub.Broadcast(StreamEvent{Type: hub.TypeStream, UpdatedAt: p.playlist})
			}
		case !errors.Is(err, fs.ErrNotExist):
			logger.Debug("Playlist stat failed", fields.With("error", err.Error()))
		}
	}

	if p.opts.FramesDir != "" {
		frames, err := ListFrames(p.opts.FramesDir, 1)
		if err != nil {
			logger.Debug("Frame scan failed", fields.With("error", err.Error()))
			return
		}
		if len(frames) == 0 {
			return
		}
		latest := frames[0]
		if latest.File != p.frame.File || !latest.MTime.Equal(p.frame.MTime) {
			p.frame = latest
			p.opts.Hub.Broadcast(FrameEvent{Type: hub.TypeFrame, File: latest.File, MTime: latest.MTime})
		}
	}
}

// Latest returns the last frame seen by Poll.
func (p *Poller) Latest() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.frame.File != ""
}

// ListFrames returns up to limit frames from dir, newest first. A missing
// directory yields no frames.
func ListFrames(dir string, limit int) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}

	frames := make([]Frame, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		frames = append(frames, Frame{File: e.Name(), MTime: info.ModTime(), Size: info.Size()})
	}

	sort.Slice(frames, func(i, j int) bool {
		if !frames[i].MTime.Equal(frames[j].MTime) {
			return frames[i].MTime.After(frames[j].MTime)
		}
		return frames[i].File > frames[j].File
	})
	if limit > 0 && len(frames) > limit {
		frames = frames[:limit]
	}
	return frames, nil
}
