package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Sink stores the chunks of one source document, replacing earlier ones.
type Sink interface {
	ReplaceKnowledge(ctx context.Context, source string, chunks []string) error
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// Extensions lists the file suffixes to index. Empty means .txt and .md.
	Extensions []string
}

// Report counts what one indexing run did.
type Report struct {
	Files   int
	Chunks  int
	Skipped int
}

type Indexer struct {
	sink Sink
	opts Options
	log  zerolog.Logger
}

func NewIndexer(sink Sink, opts Options, log zerolog.Logger) *Indexer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".txt", ".md"}
	}
	return &Indexer{
		sink: sink,
		opts: opts,
		log:  log.With().Str("component", "indexer").Logger(),
	}
}

// IndexDir chunks every matching file under root and hands the chunks to
// the sink keyed by the slash-separated path relative to root. Hidden
// directories are skipped. A sink error stops the run.
func (ix *Indexer) IndexDir(ctx context.Context, root string) (Report, error) {
	var rep Report
	info, err := os.Stat(root)
	if err != nil {
		return rep, fmt.Errorf("knowledge directory: %w", err)
	}
	if !info.IsDir() {
		return rep, fmt.Errorf("knowledge directory: %s is not a directory", root)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !ix.wanted(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		source := filepath.ToSlash(rel)
		log := ix.log.With().Str("source", source).Logger()

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", source, err)
		}
		if !utf8.Valid(raw) {
			rep.Skipped++
			log.Warn().Msg("skipping file that is not utf-8 text")
			return nil
		}
		chunks := Split(string(raw), ix.opts.ChunkSize, ix.opts.ChunkOverlap)
		if len(chunks) == 0 {
			rep.Skipped++
			log.Debug().Msg("skipping empty file")
			return nil
		}
		if err := ix.sink.ReplaceKnowledge(ctx, source, chunks); err != nil {
			return fmt.Errorf("store %s: %w", source, err)
		}
		rep.Files++
		rep.Chunks += len(chunks)
		log.Debug().Int("chunks", len(chunks)).Msg("file indexed")
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return rep, err
		}
		return rep, fmt.Errorf("index %s: %w", root, err)
	}

	if rep.Files == 0 {
		ix.log.Warn().Str("dir", root).Msg("no documents to index")
	} else {
		ix.log.Info().Str("dir", root).Int("files", rep.Files).Int("chunks", rep.Chunks).Int("skipped", rep.Skipped).Msg("knowledge indexed")
	}
	return rep, nil
}

func (ix *Indexer) wanted(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ix.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
