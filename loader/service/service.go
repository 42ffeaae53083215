// Package service watches a source folder and ingests PDF files once they
// stop changing.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"contractrag/loader"
	"contractrag/types"

	"github.com/fsnotify/fsnotify"
)

// FileState selects the destination folder of a processed file.
type FileState int

const (
	StateArchived FileState = iota
	StateBad
)

// Ingester ingests a file already on disk.
type Ingester interface {
	IngestPath(ctx context.Context, path string) (*loader.Result, error)
}

type Service struct {
	cfg      types.LoaderConfig
	ingester Ingester
	logger   *slog.Logger
	tick     time.Duration
	now      func() time.Time

	fileMutex       sync.Mutex
	fileFirstSeen   map[string]time.Time
	filesProcessing map[string]bool
}

type Option func(*Service)

// WithTick sets how often the source folder is rescanned. Default 1s.
func WithTick(d time.Duration) Option {
	return func(s *Service) { s.tick = d }
}

func New(cfg types.LoaderConfig, ingester Ingester, opts ...Option) *Service {
	s := &Service{
		cfg:             cfg,
		ingester:        ingester,
		logger:          slog.Default(),
		tick:            time.Second,
		now:             time.Now,
		fileFirstSeen:   make(map[string]time.Time),
		filesProcessing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateDirectories() error {
	for _, dir := range []string{s.cfg.SourceDir, s.cfg.ArchiveDir, s.cfg.BadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Run blocks until ctx is cancelled. A file is processed after it has gone
// unmodified for MonitoringTime.
func (s *Service) Run(ctx context.Context) error {
	if err := s.CreateDirectories(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.cfg.SourceDir); err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.SourceDir, err)
	}

	s.logger.Info("[LOADER] monitoring folder", "dir", s.cfg.SourceDir, "settle", s.cfg.MonitoringTime)

	// Буферизованный канал, чтобы сканер не блокировался на обработке
	fileChan := make(chan string, 10)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(fileChan)
		s.watch(ctx, watcher, fileChan)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.process(ctx, fileChan)
	}()

	wg.Wait()
	s.logger.Info("[LOADER] service stopped")
	return nil
}

func (s *Service) watch(ctx context.Context, watcher *fsnotify.Watcher, fileChan chan<- string) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.touch(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("[LOADER] watcher error", "error", err)
		case <-ticker.C:
			for _, path := range s.scan() {
				select {
				case fileChan <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// touch restarts the settle timer of a file that is still being written.
func (s *Service) touch(path string) {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()
	if s.filesProcessing[path] {
		return
	}
	s.fileFirstSeen[path] = s.now()
}

// scan returns the files that are ready and marks them as processing.
func (s *Service) scan() []string {
	entries, err := os.ReadDir(s.cfg.SourceDir)
	if err != nil {
		s.logger.Error("[LOADER] read source directory", "error", err)
		return nil
	}

	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	now := s.now()
	current := make(map[string]bool, len(entries))
	var ready []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.cfg.SourceDir, e.Name())
		current[path] = true
		if s.filesProcessing[path] {
			continue
		}
		first, seen := s.fileFirstSeen[path]
		if !seen {
			s.fileFirstSeen[path] = now
			s.logger.Debug("[LOADER] new file detected", "file", path)
			continue
		}
		if now.Sub(first) >= s.cfg.MonitoringTime {
			s.filesProcessing[path] = true
			ready = append(ready, path)
		}
	}

	// Файлы, исчезнувшие из папки, больше не отслеживаем
	for path := range s.fileFirstSeen {
		if !current[path] && !s.filesProcessing[path] {
			delete(s.fileFirstSeen, path)
		}
	}
	return ready
}

func (s *Service) process(ctx context.Context, fileChan <-chan string) {
	for path := range fileChan {
		if ctx.Err() != nil {
			return
		}
		s.processFile(ctx, path)
	}
}

func (s *Service) processFile(ctx context.Context, path string) {
	s.logger.Info("[LOADER] processing file", "file", path)
	res, err := s.ingester.IngestPath(ctx, path)

	s.fileMutex.Lock()
	delete(s.filesProcessing, path)
	delete(s.fileFirstSeen, path)
	s.fileMutex.Unlock()

	switch {
	case err == nil:
		s.logger.Info("[LOADER] file ingested", "file", path, "document_id", res.Document.ID, "chunks", res.Chunks)
		s.moveOrLog(path, StateArchived)
	case errors.Is(err, types.ErrInvalidArgument):
		s.logger.Warn("[LOADER] file rejected", "file", path, "error", err)
		s.moveOrLog(path, StateBad)
	default:
		// Файл остаётся в source и будет подхвачен при следующем сканировании
		s.logger.Error("[LOADER] ingest failed, will retry", "file", path, "error", err)
	}
}

func (s *Service) moveOrLog(path string, state FileState) {
	dest, err := s.MoveToArchive(path, state)
	if err != nil {
		s.logger.Error("[LOADER] move file", "file", path, "error", err)
		return
	}
	s.logger.Debug("[LOADER] file moved", "from", path, "to", dest)
}

// MoveToArchive moves path into <archive|bad>/<YYYY-MM-DD>/, appending _N to
// the name on conflicts.
func (s *Service) MoveToArchive(path string, state FileState) (string, error) {
	root := s.cfg.ArchiveDir
	if state == StateBad {
		root = s.cfg.BadDir
	}
	destDir := filepath.Join(root, s.now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	dest := filepath.Join(destDir, base)
	for n := 1; ; n++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", name, n, ext))
	}

	if err := os.Rename(path, dest); err == nil {
		return dest, nil
	}
	// Rename не работает между файловыми системами
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	return dest, os.Remove(path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
