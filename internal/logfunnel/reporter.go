package logfunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry hands out one [Reporter] per name. It is built once by the
// orchestrator and passed to every producer.
type Registry struct {
	funnel *Funnel
	logger *slog.Logger
	dir    string
	now    func() time.Time

	mu        sync.Mutex
	reporters map[string]*Reporter
}

// NewRegistry creates a registry posting to funnel and mirroring to
// logger. A non-empty dir also writes each reporter's lines to a daily
// file under dir/<name>/.
func NewRegistry(funnel *Funnel, logger *slog.Logger, dir string) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		funnel:    funnel,
		logger:    logger,
		dir:       dir,
		now:       time.Now,
		reporters: make(map[string]*Reporter),
	}
}

// Reporter returns the reporter for name, creating it on first use.
// Every call with the same name returns the same reporter.
func (r *Registry) Reporter(name string) *Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.reporters[name]; ok {
		return rep
	}
	rep := &Reporter{
		name:   name,
		funnel: r.funnel,
		logger: r.logger.With("source", name),
		now:    r.now,
	}
	if r.dir != "" {
		rep.file = newDailyFile(r.dir, name)
	}
	r.reporters[name] = rep
	return rep
}

// Close closes every reporter's daily file.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, rep := range r.reporters {
		if rep.file == nil {
			continue
		}
		if err := rep.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reporter posts status lines under one source name. It is safe for
// concurrent use.
type Reporter struct {
	name   string
	funnel *Funnel
	logger *slog.Logger
	file   *dailyFile
	now    func() time.Time
}

// Name returns the reporter's source name.
func (r *Reporter) Name() string { return r.name }

// Log posts text at level. The funnel gets the line without blocking;
// the slog mirror and daily file are written synchronously. A file
// write failure is reported to slog and otherwise ignored.
func (r *Reporter) Log(level slog.Level, text string) {
	e := Event{Time: r.now(), Source: r.name, Level: level, Text: text}
	r.funnel.Post(e)
	r.logger.Log(context.Background(), level, text)
	if r.file != nil {
		if err := r.file.Write(e); err != nil {
			r.logger.Warn("daily log write failed", "error", err)
		}
	}
}

// Infof posts a formatted line at info level.
func (r *Reporter) Infof(format string, args ...any) {
	r.Log(slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf posts a formatted line at warn level.
func (r *Reporter) Warnf(format string, args ...any) {
	r.Log(slog.LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf posts a formatted line at error level.
func (r *Reporter) Errorf(format string, args ...any) {
	r.Log(slog.LevelError, fmt.Sprintf(format, args...))
}
