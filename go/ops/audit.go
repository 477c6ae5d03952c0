package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// ProcessLogFile receives a JSON copy of every log entry.
	ProcessLogFile = "process-log.jsonl"
	// ServiceJournalFile records service lifecycle transitions.
	ServiceJournalFile = "runtime-services.jsonl"
)

// Journal appends JSON lines to a file under the data directory. Writes
// are serialized; a failed append is reported but never fatal, the
// journal is diagnostics, not state.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenJournal opens (creating if needed) an append-only journal.
func OpenJournal(dir, name string) (*Journal, error) {
	var path = filepath.Join(dir, name)
	var file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Journal{file: file, path: path}, nil
}

// Append writes one record with a UTC timestamp and event name.
func (j *Journal) Append(event string, fields map[string]any) error {
	var rec = make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["event"] = event

	var line, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", j.path, err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ServiceJournal wraps the runtime-services journal with the lifecycle
// vocabulary the runtime emits.
type ServiceJournal struct {
	journal *Journal
}

func OpenServiceJournal(dir string) (*ServiceJournal, error) {
	var j, err = OpenJournal(dir, ServiceJournalFile)
	if err != nil {
		return nil, err
	}
	return &ServiceJournal{journal: j}, nil
}

func (s *ServiceJournal) Started(service string) {
	s.append("service.started", service, nil)
}

func (s *ServiceJournal) Stopped(service string) {
	s.append("service.stopped", service, nil)
}

func (s *ServiceJournal) Failed(service string, err error) {
	s.append("service.failed", service, map[string]any{"error": err.Error()})
}

func (s *ServiceJournal) append(event, service string, extra map[string]any) {
	var fields = map[string]any{"service": service}
	for k, v := range extra {
		fields[k] = v
	}
	if err := s.journal.Append(event, fields); err != nil {
		log.WithError(err).WithField("service", service).Warn("failed to append service journal")
	}
}

func (s *ServiceJournal) Close() error { return s.journal.Close() }

// fileHook mirrors log entries into the process journal as JSON lines.
type fileHook struct {
	mu        sync.Mutex
	file      *os.File
	formatter log.Formatter
}

func (h *fileHook) Levels() []log.Level { return log.AllLevels }

func (h *fileHook) Fire(entry *log.Entry) error {
	var line, err = h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.file.Write(line)
	return err
}

// TeeProcessLog attaches a hook copying every log entry to
// process-log.jsonl under dir. logrus has no hook removal, so the
// returned file is closed only at process exit.
func TeeProcessLog(dir string) (*os.File, error) {
	var path = filepath.Join(dir, ProcessLogFile)
	var file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening process log %s: %w", path, err)
	}
	log.AddHook(&fileHook{
		file:      file,
		formatter: &log.JSONFormatter{TimestampFormat: time.RFC3339Nano},
	})
	return file, nil
}
