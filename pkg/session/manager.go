// Package session persists conversation transcripts, one JSONL file per
// session.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Message is a single transcript entry.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Turn      int64                  `json:"turn,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry pairs a message with its session key on disk.
type Entry struct {
	SessionKey string  `json:"sessionKey"`
	Message    Message `json:"message"`
}

// Manager manages transcript persistence using JSONL files.
type Manager struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a new Manager
func New(dir string) (*Manager, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".vizier", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	m := &Manager{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Session manager initialized")
	m.updateActiveSessionsMetric()

	return m, nil
}

// validateKey rejects keys that could escape the sessions directory.
func validateKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (m *Manager) path(sessionKey string) string {
	return filepath.Join(m.dir, sessionKey+".jsonl")
}

func (m *Manager) updateActiveSessionsMetric() {
	sessions, err := m.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

func (m *Manager) writeLock(sessionKey string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, exists := m.writeLocks[sessionKey]
	if !exists {
		lock = &sync.Mutex{}
		m.writeLocks[sessionKey] = lock
	}
	return lock
}

// Append writes a message to the session transcript, creating it on first
// use.
func (m *Manager) Append(ctx context.Context, sessionKey string, message Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"vizier.session",
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", message.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordTranscriptSave(time.Since(start))
	}()

	if err := validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	lock := m.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(m.path(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(Entry{SessionKey: sessionKey, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger.Debug().
		Str("sessionKey", sessionKey).
		Str("role", message.Role).
		Msg("Message appended")
	return nil
}

// Load reads the full transcript of a session. A missing transcript is an
// empty one; corrupt lines are skipped.
func (m *Manager) Load(ctx context.Context, sessionKey string) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"vizier.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordTranscriptLoad(time.Since(start))
	}()

	if err := validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(m.path(sessionKey))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Str("sessionKey", sessionKey).
				Int("line", lineNum).
				Err(err).
				Msg("Skipping corrupt transcript line")
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return entries, nil
}

// Delete removes a session transcript.
func (m *Manager) Delete(ctx context.Context, sessionKey string) error {
	if err := validateKey(sessionKey); err != nil {
		return err
	}

	lock := m.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(m.path(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	m.locksMu.Lock()
	delete(m.writeLocks, sessionKey)
	m.locksMu.Unlock()

	m.updateActiveSessionsMetric()
	log.Info().Str("sessionKey", sessionKey).Msg("Session deleted")
	return nil
}

// List returns the keys of all stored sessions.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return sessions, nil
}

// CleanupStale deletes transcripts not modified within maxAge and returns
// how many were removed.
func (m *Manager) CleanupStale(maxAge time.Duration) (int, error) {
	sessions, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, sessionKey := range sessions {
		info, err := os.Stat(m.path(sessionKey))
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := m.Delete(context.Background(), sessionKey); err != nil {
			log.Warn().Str("sessionKey", sessionKey).Err(err).Msg("Failed to remove stale transcript")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Dur("maxAge", maxAge).Msg("Stale transcripts cleaned up")
	}
	return removed, nil
}

// Info returns metadata about a session.
func (m *Manager) Info(sessionKey string) (map[string]interface{}, error) {
	if err := validateKey(sessionKey); err != nil {
		return nil, err
	}

	info, err := os.Stat(m.path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session does not exist")
		}
		return nil, fmt.Errorf("failed to stat transcript: %w", err)
	}

	entries, err := m.Load(context.Background(), sessionKey)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessionKey":   sessionKey,
		"size":         info.Size(),
		"lastModified": info.ModTime(),
		"messageCount": len(entries),
	}, nil
}

// Close releases all write locks.
func (m *Manager) Close() error {
	m.locksMu.Lock()
	m.writeLocks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()
	return nil
}
