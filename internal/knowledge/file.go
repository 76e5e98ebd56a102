package knowledge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/kalambet/frontdesk/internal/storage"
)

// FileStore keeps learned knowledge as "Q: ...\nA: ...\n\n" blocks in a text
// file. It pairs with the CSV record store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// OpenFile returns a FileStore at path. The file is created on first append.
func OpenFile(path string) *FileStore {
	return &FileStore{path: path}
}

// AppendKnowledge appends one block.
func (f *FileStore) AppendKnowledge(_ context.Context, question, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening knowledge file: %w", err)
	}
	if _, err := fmt.Fprintf(fh, "Q: %s\nA: %s\n\n", oneLine(question), oneLine(answer)); err != nil {
		fh.Close()
		return fmt.Errorf("writing knowledge file: %w", err)
	}
	return fh.Close()
}

// LearnedKnowledge parses every block, oldest first. A missing file yields
// no entries. The file carries no timestamps; CreatedAt is left zero.
func (f *FileStore) LearnedKnowledge(_ context.Context) ([]storage.KnowledgeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening knowledge file: %w", err)
	}
	defer fh.Close()

	var (
		out     []storage.KnowledgeEntry
		current storage.KnowledgeEntry
		haveQ   bool
	)
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Q: "):
			current = storage.KnowledgeEntry{Question: strings.TrimPrefix(line, "Q: ")}
			haveQ = true
		case strings.HasPrefix(line, "A: ") && haveQ:
			current.Answer = strings.TrimPrefix(line, "A: ")
			out = append(out, current)
			haveQ = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading knowledge file: %w", err)
	}
	return out, nil
}

// Path returns the file location.
func (f *FileStore) Path() string { return f.path }

// oneLine keeps a value inside a single block line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
