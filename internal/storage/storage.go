// Package storage persists finished artifacts and the metadata documents
// that describe how they were made.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/vk/graphforge/internal/ctxlog"
)

// Backend writes one named object and returns where it can be found.
type Backend interface {
	Write(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Store names objects and hands them to a Backend. Names are
// "<group>/<sha256 prefix>-<uuid>.<ext>" so identical bytes stored twice
// never overwrite each other.
type Store struct {
	backend Backend
	prefix  string
}

// New returns a Store that puts every object under prefix.
func New(b Backend, prefix string) *Store {
	return &Store{backend: b, prefix: strings.Trim(prefix, "/")}
}

// Put stores an artifact under group and returns its locator.
func (s *Store) Put(ctx context.Context, group string, data []byte, contentType string) (string, error) {
	name := s.objectName(group, data, extension(contentType))
	loc, err := s.backend.Write(ctx, name, data, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}
	ctxlog.FromContext(ctx).Debug("Stored object.", "locator", loc, "bytes", len(data), "content_type", contentType)
	return loc, nil
}

// PutMetadata stores doc as indented JSON under group.
func (s *Store) PutMetadata(ctx context.Context, group string, doc any) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return s.Put(ctx, group, data, "application/json")
}

func (s *Store) objectName(group string, data []byte, ext string) string {
	sum := sha256.Sum256(data)
	base := hex.EncodeToString(sum[:6]) + "-" + uuid.NewString() + ext
	return path.Join(s.prefix, sanitize(group), base)
}

// sanitize keeps group names to one safe path segment.
func sanitize(group string) string {
	group = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, group)
	group = strings.Trim(group, ".")
	if group == "" {
		return "default"
	}
	return group
}

func extension(contentType string) string {
	switch contentType {
	case "application/json":
		return ".json"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
