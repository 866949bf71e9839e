// Package cache persists decoded turn audio locally so finished turns can
// be replayed without another synthesis round-trip.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lingopod/avatarclient/internal/audio"
)

// ErrNotFound is returned when no cached audio matches.
var ErrNotFound = errors.New("cache: not found")

// Record is one cached turn.
type Record struct {
	ID         uint   `gorm:"primaryKey"`
	MessageID  string `gorm:"index"`
	ContentKey string `gorm:"uniqueIndex"`
	SampleRate int
	Channels   int
	PCM        []byte
	CreatedAt  time.Time
}

// Store is the sqlite-backed audio cache.
type Store struct {
	logger zerolog.Logger
	db     *gorm.DB
}

// Open creates or opens the cache database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{
		logger: logger.With().Str("component", "cache").Logger(),
		db:     db,
	}, nil
}

// ContentKey derives a stable key from the raw encoded payload: length plus
// a hash of the head and tail. Identical synthesis output shares a key even
// when the backend re-sends it under a new message id.
func ContentKey(data []byte) string {
	h := fnv.New64a()
	head := data
	if len(head) > 256 {
		head = head[:256]
	}
	h.Write(head)
	if len(data) > 256 {
		tail := data[len(data)-256:]
		h.Write(tail)
	}
	return fmt.Sprintf("%d-%016x", len(data), h.Sum64())
}

// Save stores a decoded buffer under the message id and content key.
// Saving the same content twice is a no-op.
func (s *Store) Save(messageID string, raw []byte, buf *audio.Buffer) error {
	if buf == nil {
		return fmt.Errorf("cache: nil buffer")
	}
	rec := Record{
		MessageID:  messageID,
		ContentKey: ContentKey(raw),
		SampleRate: buf.SampleRate,
		Channels:   buf.Channels,
		PCM:        pcmToBytes(buf.PCM),
	}
	err := s.db.Where(Record{ContentKey: rec.ContentKey}).FirstOrCreate(&rec).Error
	if err != nil {
		return fmt.Errorf("cache: save: %w", err)
	}
	s.logger.Debug().Str("messageID", messageID).Str("contentKey", rec.ContentKey).Msg("Cached turn audio")
	return nil
}

// Load returns the newest cached audio for a message id.
func (s *Store) Load(messageID string) (*audio.Buffer, error) {
	var rec Record
	err := s.db.Where(&Record{MessageID: messageID}).Order("created_at desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load: %w", err)
	}
	return recordBuffer(&rec), nil
}

// LoadByContent returns cached audio matching a content key.
func (s *Store) LoadByContent(key string) (*audio.Buffer, error) {
	var rec Record
	err := s.db.Where(&Record{ContentKey: key}).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load: %w", err)
	}
	return recordBuffer(&rec), nil
}

// Prune drops entries older than maxAge. Returns how many were removed.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res := s.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("cache: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func recordBuffer(rec *Record) *audio.Buffer {
	return &audio.Buffer{
		SampleRate: rec.SampleRate,
		Channels:   rec.Channels,
		PCM:        bytesToPCM(rec.PCM),
	}
}

func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func bytesToPCM(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}
