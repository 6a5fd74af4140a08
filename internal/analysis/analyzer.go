package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCacheSize = 64
	DefaultPeaks     = 1024
	maxPeaks         = 16384
)

var ErrInvalidPath = errors.New("invalid audio path")

type Options struct {
	// Dir confines Resolve to one directory.
	Dir       string
	FFmpeg    string
	CacheSize int
}

type entry struct {
	path  string
	value any
}

// Analyzer memoizes analysis results per file version.
type Analyzer struct {
	opts  Options
	cache *lru.Cache[string, entry]
}

func New(opts Options) (*Analyzer, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, entry](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create analysis cache: %w", err)
	}
	return &Analyzer{opts: opts, cache: cache}, nil
}

// Resolve maps a file name from a request onto the audio directory.
func (a *Analyzer) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || a.opts.Dir == "" {
		return "", ErrInvalidPath
	}
	clean := filepath.Clean("/" + name)
	path := filepath.Join(a.opts.Dir, clean)
	rel, err := filepath.Rel(a.opts.Dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidPath
	}
	return path, nil
}

func (a *Analyzer) Peaks(ctx context.Context, path string, samples int) (PeaksResult, error) {
	if samples <= 0 {
		samples = DefaultPeaks
	}
	samples = min(samples, maxPeaks)
	v, err := a.cached(ctx, path, fmt.Sprintf("peaks:%d", samples), func(sig Signal) any {
		return Peaks(sig, samples)
	})
	if err != nil {
		return PeaksResult{}, err
	}
	return v.(PeaksResult), nil
}

func (a *Analyzer) Beats(ctx context.Context, path string) (BeatsResult, error) {
	v, err := a.cached(ctx, path, "beats", func(sig Signal) any {
		return Beats(sig)
	})
	if err != nil {
		return BeatsResult{}, err
	}
	return v.(BeatsResult), nil
}

func (a *Analyzer) Bands(ctx context.Context, path string, fps float64, bindings []modulation.BandBinding) (Schedule, error) {
	if fps <= 0 {
		return Schedule{}, fmt.Errorf("fps must be positive")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "bands:%g", fps)
	for _, bb := range bindings {
		fmt.Fprintf(&b, "|%s:%g-%g", bb.Param, bb.LowHz, bb.HighHz)
	}
	v, err := a.cached(ctx, path, b.String(), func(sig Signal) any {
		return Bands(sig, fps, bindings)
	})
	if err != nil {
		return Schedule{}, err
	}
	return v.(Schedule), nil
}

// Invalidate drops every cached result for path and returns how many were
// removed.
func (a *Analyzer) Invalidate(path string) int {
	removed := 0
	for _, k := range a.cache.Keys() {
		if e, ok := a.cache.Peek(k); ok && e.path == path {
			a.cache.Remove(k)
			removed++
		}
	}
	return removed
}

func (a *Analyzer) Len() int { return a.cache.Len() }

func (a *Analyzer) cached(ctx context.Context, path, kind string, compute func(Signal) any) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	key := cacheKey(path, info.Size(), info.ModTime(), kind)
	if e, ok := a.cache.Get(key); ok {
		return e.value, nil
	}

	start := time.Now()
	sig, err := Decode(ctx, path, a.opts.FFmpeg)
	if err != nil {
		return nil, err
	}
	v := compute(sig)
	a.cache.Add(key, entry{path: path, value: v})
	logger.Debug("Audio analyzed", logger.Component("analysis").
		With("file", filepath.Base(path)).
		With("kind", kind).
		With("duration_ms", time.Since(start).Milliseconds()))
	return v, nil
}

func cacheKey(path string, size int64, mtime time.Time, kind string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", path, size, mtime.UnixNano(), kind)))
	return hex.EncodeToString(sum[:])
}
