package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	latestKey     = "latest.json"
	archivePrefix = "archive/"
	jsonType      = "application/json"
)

// Objects is the object-store surface the snapshot store needs.
type Objects interface {
	domain.BlobWriter
	domain.BlobReader
	domain.BlobDeleter
}

// SnapshotStore writes the signal snapshot to <prefix>/latest.json and keeps
// a timestamped copy at <prefix>/archive/YYYY/MM/DD/HHMMSS.json.
type SnapshotStore struct {
	objects      Objects
	prefix       string
	keepArchives int
	now          func() time.Time
	logger       *slog.Logger
}

// NewSnapshotStore creates a store under prefix (default "signals").
// keepArchives bounds the archive copies; zero keeps every copy.
func NewSnapshotStore(objects Objects, prefix string, keepArchives int, logger *slog.Logger) *SnapshotStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "signals"
	}
	return &SnapshotStore{
		objects:      objects,
		prefix:       prefix,
		keepArchives: keepArchives,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.With(slog.String("component", "s3_snapshots")),
	}
}

// NewClientObjects joins a Reader and Writer over one client.
func NewClientObjects(c *Client) Objects {
	return struct {
		*Writer
		*Reader
	}{NewWriter(c), NewReader(c)}
}

// SetClock replaces the time source used for archive names.
func (s *SnapshotStore) SetClock(now func() time.Time) { s.now = now }

// LatestPath is the object key of the current snapshot.
func (s *SnapshotStore) LatestPath() string {
	return path.Join(s.prefix, latestKey)
}

// ArchivePath is the object key of a copy taken at t.
func (s *SnapshotStore) ArchivePath(t time.Time) string {
	t = t.UTC()
	return path.Join(s.prefix, "archive", t.Format("2006/01/02"), t.Format("150405")+".json")
}

// SaveSnapshot writes the latest document, then the archive copy. A failed
// archive write or prune is logged and does not fail the save.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, doc []byte) error {
	if err := s.objects.Put(ctx, s.LatestPath(), bytes.NewReader(doc), jsonType); err != nil {
		return fmt.Errorf("s3blob: save snapshot: %w", err)
	}
	archive := s.ArchivePath(s.now())
	if err := s.objects.Put(ctx, archive, bytes.NewReader(doc), jsonType); err != nil {
		s.logger.Warn("archive snapshot failed", slog.String("path", archive), slog.String("error", err.Error()))
		return nil
	}
	if s.keepArchives > 0 {
		if err := s.prune(ctx); err != nil {
			s.logger.Warn("prune archives failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// LoadSnapshot reads latest.json. It returns domain.ErrNotFound when nothing
// has been saved.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	body, err := s.objects.Get(ctx, s.LatestPath())
	if err != nil {
		return nil, fmt.Errorf("s3blob: load snapshot: %w", err)
	}
	defer body.Close()
	doc, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read snapshot: %w", err)
	}
	return doc, nil
}

// Archives lists archive copies, oldest first.
func (s *SnapshotStore) Archives(ctx context.Context) ([]domain.BlobInfo, error) {
	infos, err := s.objects.List(ctx, path.Join(s.prefix, archivePrefix)+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives: %w", err)
	}
	// Keys sort chronologically by construction.
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (s *SnapshotStore) prune(ctx context.Context) error {
	infos, err := s.Archives(ctx)
	if err != nil {
		return err
	}
	for len(infos) > s.keepArchives {
		if err := s.objects.Delete(ctx, infos[0].Path); err != nil {
			return fmt.Errorf("s3blob: prune %s: %w", infos[0].Path, err)
		}
		infos = infos[1:]
	}
	return nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
