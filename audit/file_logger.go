package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSink mirrors ledger entries to a JSON Lines file
type FileSink struct {
	file       *os.File
	mu         sync.RWMutex
	entryCache []Entry // Recent entries cache for faster queries
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath  string `json:"file_path"`
	CacheSize int    `json:"cache_size,omitempty"`
}

// NewFileSink creates a new file-based export sink
func NewFileSink(config *Config) (*FileSink, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file sink options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file sink")
	}
	if fileOpts.CacheSize == 0 {
		fileOpts.CacheSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit export directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit export file: %w", err)
	}

	return &FileSink{
		file:       file,
		fileOpts:   fileOpts,
		entryCache: make([]Entry, 0),
		cacheSize:  fileOpts.CacheSize,
	}, nil
}

// Write appends an entry as one JSON line and updates the cache
func (fs *FileSink) Write(_ context.Context, entry Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// reopen in case a previous vault closed this sink
	if err := fs.ensureFileOpen(); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize audit entry: %w", err)
	}

	if _, err = fs.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	if err = fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit export: %w", err)
	}

	fs.updateCache(entry)
	return nil
}

// updateCache adds entry to cache and maintains size limit
func (fs *FileSink) updateCache(entry Entry) {
	fs.entryCache = append(fs.entryCache, entry)

	if len(fs.entryCache) > fs.cacheSize {
		fs.entryCache = fs.entryCache[len(fs.entryCache)-fs.cacheSize:]
	}
}

// Query returns exported entries, newest first
func (fs *FileSink) Query(options QueryOptions) (QueryResult, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.canUseCacheForQuery(options) {
		return fs.queryFromCache(options), nil
	}
	return fs.queryFromFile(options)
}

// canUseCacheForQuery determines if the cache can satisfy the query
func (fs *FileSink) canUseCacheForQuery(options QueryOptions) bool {
	if len(fs.entryCache) == 0 || options.Since == nil || options.Offset > 0 {
		return false
	}
	oldestCached := time.UnixMilli(fs.entryCache[0].Timestamp)
	return !options.Since.Before(oldestCached)
}

func (fs *FileSink) queryFromCache(options QueryOptions) QueryResult {
	var filtered []Entry
	for _, entry := range fs.entryCache {
		if options.matches(entry) {
			filtered = append(filtered, entry)
		}
	}
	newestFirst(filtered)

	total := len(filtered)
	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}

	return QueryResult{
		Entries:    filtered,
		TotalCount: len(fs.entryCache),
		Filtered:   total,
		HasMore:    len(filtered) < total,
	}
}

func (fs *FileSink) queryFromFile(options QueryOptions) (QueryResult, error) {
	entries, totalCount, err := fs.readEntries(options)
	if err != nil {
		return QueryResult{}, err
	}
	newestFirst(entries)
	res := page(entries, options)
	res.TotalCount = totalCount
	return res, nil
}

// readEntries reads and filters entries from the export file
func (fs *FileSink) readEntries(options QueryOptions) ([]Entry, int, error) {
	file, err := os.Open(fs.fileOpts.FilePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit export file: %w", err)
	}
	defer file.Close()

	entries := make([]Entry, 0)
	totalCount := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		totalCount++

		var entry Entry
		if err = json.Unmarshal([]byte(line), &entry); err != nil {
			// skip lines that were not written by this sink
			continue
		}
		if options.matches(entry) {
			entries = append(entries, entry)
		}
	}

	if err = scanner.Err(); err != nil {
		return entries, totalCount, fmt.Errorf("error reading audit export file: %w", err)
	}
	return entries, totalCount, nil
}

func newestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
}

// Close implements the Sink interface
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file != nil {
		err := fs.file.Close()
		fs.file = nil
		return err
	}
	return nil
}

func (fs *FileSink) ensureFileOpen() error {
	if fs.file == nil {
		var err error
		fs.file, err = os.OpenFile(fs.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit export: %w", err)
		}
	}
	return nil
}
