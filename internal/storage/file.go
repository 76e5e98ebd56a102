package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileTimeLayout matches what operators see when they open the table in a
// spreadsheet.
const fileTimeLayout = "2006-01-02 15:04:05"

var fileHeader = []string{"question", "answer", "answered", "timestamp", "caller_phone", "answered_on_call"}

// FileStore is a RecordStore backed by a CSV file that humans may edit by
// hand. Each operation re-reads the file and rewrites it in full, so writes
// from another process between two calls are picked up; concurrent writers
// in different processes are last-writer-wins. Callers inside this process
// are serialized.
type FileStore struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

var _ RecordStore = (*FileStore)(nil)

// OpenFile opens the CSV table at path, creating it with a header row if it
// does not exist.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	f := &FileStore{path: path, now: time.Now, logger: slog.Default()}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the location of the CSV table.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Close() error { return nil }

// load reads every row. A missing table is created; an unreadable one is
// moved aside and replaced with an empty table.
func (f *FileStore) load() ([]QuestionRecord, error) {
	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, f.save(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.path, err)
	}
	records, parseErr := readRecords(fh)
	fh.Close()
	if parseErr == nil {
		return records, nil
	}

	aside := fmt.Sprintf("%s.corrupt-%d", f.path, f.now().Unix())
	f.logger.Error("question table unreadable, reinitializing", "path", f.path, "moved_to", aside, "error", parseErr)
	if err := os.Rename(f.path, aside); err != nil {
		return nil, fmt.Errorf("moving corrupt table aside: %w", err)
	}
	return nil, f.save(nil)
}

func readRecords(r io.Reader) ([]QuestionRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, err
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range []string{"question", "answer", "answered"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []QuestionRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		q := field(row, "question")
		if strings.TrimSpace(q) == "" {
			continue
		}
		rec := QuestionRecord{
			Question:    q,
			Answer:      field(row, "answer"),
			Status:      parseStatus(field(row, "answered")),
			CallerPhone: field(row, "caller_phone"),
			Delivered:   parseBool(field(row, "answered_on_call")),
		}
		// A hand-edited "yes" with no answer is still pending.
		if strings.TrimSpace(rec.Answer) == "" {
			rec.Status = StatusPending
		}
		if t, err := time.ParseInLocation(fileTimeLayout, field(row, "timestamp"), time.Local); err == nil {
			rec.UpdatedAt = t
		}
		records = append(records, rec)
	}
	return records, nil
}

// save writes all rows to a temp file and renames it over the table so a
// concurrent reader never sees a half-written file.
func (f *FileStore) save(records []QuestionRecord) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp table: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(fileHeader); err != nil {
		tmp.Close()
		return err
	}
	for _, r := range records {
		ts := ""
		if !r.UpdatedAt.IsZero() {
			ts = r.UpdatedAt.Local().Format(fileTimeLayout)
		}
		row := []string{r.Question, r.Answer, formatStatus(r.Status), ts, r.CallerPhone, formatBool(r.Delivered)}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing table: %w", err)
	}
	return nil
}

func (f *FileStore) read(ctx context.Context) ([]QuestionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

// update runs fn over a fresh read of the table and writes the result back
// unless fn returns an error or reports no change.
func (f *FileStore) update(ctx context.Context, fn func([]QuestionRecord) ([]QuestionRecord, bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return err
	}
	out, changed, err := fn(records)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return f.save(out)
}

func indexOf(records []QuestionRecord, key string) int {
	for i, r := range records {
		if NormalizeQuestion(r.Question) == key {
			return i
		}
	}
	return -1
}

func (f *FileStore) Exists(ctx context.Context, question string) (bool, error) {
	records, err := f.read(ctx)
	if err != nil {
		return false, err
	}
	return indexOf(records, NormalizeQuestion(question)) >= 0, nil
}

func (f *FileStore) Insert(ctx context.Context, question, callerPhone string) (InsertResult, error) {
	result := AlreadyExists
	err := f.update(ctx, func(records []QuestionRecord) ([]QuestionRecord, bool, error) {
		if indexOf(records, NormalizeQuestion(question)) >= 0 {
			return records, false, nil
		}
		result = Created
		return append(records, QuestionRecord{
			Question:    strings.TrimSpace(question),
			Status:      StatusPending,
			UpdatedAt:   f.now(),
			CallerPhone: normalizePhone(callerPhone),
		}), true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("inserting question: %w", err)
	}
	return result, nil
}

func (f *FileStore) Pending(ctx context.Context) ([]QuestionRecord, error) {
	records, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []QuestionRecord
	for _, r := range records {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FileStore) Answered(ctx context.Context, filter AnsweredFilter) ([]QuestionRecord, error) {
	records, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []QuestionRecord
	for _, r := range records {
		if r.Answered() && filter.match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FileStore) PeekAnswer(ctx context.Context, question string) (string, bool, error) {
	records, err := f.read(ctx)
	if err != nil {
		return "", false, err
	}
	i := indexOf(records, NormalizeQuestion(question))
	if i < 0 || !records[i].Answered() {
		return "", false, nil
	}
	return records[i].Answer, true, nil
}

func (f *FileStore) MarkAnswered(ctx context.Context, question string, delivered bool) (bool, error) {
	notify := false
	err := f.update(ctx, func(records []QuestionRecord) ([]QuestionRecord, bool, error) {
		i := indexOf(records, NormalizeQuestion(question))
		if i < 0 {
			return nil, false, ErrNotFound
		}
		r := &records[i]
		if strings.TrimSpace(r.Answer) == "" {
			return nil, false, ErrEmptyAnswer
		}
		notify = needsNotify(r.Delivered, r.CallerPhone, r.Answer)
		r.Status = StatusAnswered
		r.Delivered = r.Delivered || delivered
		r.UpdatedAt = f.now()
		return records, true, nil
	})
	if err != nil {
		return false, err
	}
	return notify, nil
}

func (f *FileStore) SetAnswer(ctx context.Context, question, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ErrEmptyAnswer
	}
	return f.update(ctx, func(records []QuestionRecord) ([]QuestionRecord, bool, error) {
		i := indexOf(records, NormalizeQuestion(question))
		if i < 0 {
			return nil, false, ErrNotFound
		}
		records[i].Answer = answer
		records[i].Status = StatusAnswered
		records[i].UpdatedAt = f.now()
		return records, true, nil
	})
}

func (f *FileStore) MarkDelivered(ctx context.Context, question string) (bool, error) {
	flipped := false
	err := f.update(ctx, func(records []QuestionRecord) ([]QuestionRecord, bool, error) {
		i := indexOf(records, NormalizeQuestion(question))
		if i < 0 {
			return nil, false, ErrNotFound
		}
		if records[i].Delivered {
			return records, false, nil
		}
		records[i].Delivered = true
		records[i].UpdatedAt = f.now()
		flipped = true
		return records, true, nil
	})
	return flipped, err
}

func (f *FileStore) IsDelivered(ctx context.Context, question string) (bool, error) {
	records, err := f.read(ctx)
	if err != nil {
		return false, err
	}
	i := indexOf(records, NormalizeQuestion(question))
	if i < 0 {
		return false, ErrNotFound
	}
	return records[i].Delivered, nil
}

func (f *FileStore) Delete(ctx context.Context, question string) error {
	return f.update(ctx, func(records []QuestionRecord) ([]QuestionRecord, bool, error) {
		i := indexOf(records, NormalizeQuestion(question))
		if i < 0 {
			return nil, false, ErrNotFound
		}
		return append(records[:i], records[i+1:]...), true, nil
	})
}

func (f *FileStore) DeleteAnswered(ctx context.Context, questions []string) (int, error) {
	if len(questions) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(questions))
	for _, q := range questions {
		drop[NormalizeQuestion(q)] = true
	}
	removed := 0
	err := f.update(ctx, func(records []QuestionRecord) ([]QuestionRecord, bool, error) {
		kept := records[:0]
		for _, r := range records {
			if r.Status == StatusAnswered && drop[NormalizeQuestion(r.Question)] {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		return kept, removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *FileStore) Stats(ctx context.Context) (Stats, error) {
	records, err := f.read(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(records)}
	for _, r := range records {
		if r.Status == StatusAnswered {
			st.Answered++
		}
	}
	st.Unanswered = st.Total - st.Answered
	return st, nil
}
