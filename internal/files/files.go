// Package files backs the remote file-browsing verbs. Every path comes
// from an untrusted client and goes through the traversal guard; reads
// and downloads are limited to an extension allow-list and a size cap.
package files

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/companionhq/companion/internal/validate"
)

const maxFileSize = 10 << 20 // 10 MiB

var (
	ErrDenied   = errors.New("path not allowed")
	ErrTooLarge = errors.New("file too large")
)

// allowedExtensions is the closed set of readable/downloadable file
// types. Everything else is refused regardless of size.
var allowedExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".json": true,
	".jsonl": true, ".yaml": true, ".yml": true, ".toml": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".java": true, ".rb": true, ".sh": true, ".sql": true, ".html": true,
	".css": true, ".xml": true, ".csv": true, ".log": true, ".env": true,
	".gitignore": true, ".mod": true, ".sum": true, ".lock": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".pdf": true,
}

// Entry is one directory listing row.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"modTime,omitempty"`
}

// Service resolves client-supplied paths against the user's home.
type Service struct {
	home string
}

// New returns a Service with tilde expansion rooted at home.
func New(home string) *Service {
	return &Service{home: home}
}

// resolve sanitizes a client path, echoing the attempted value back in
// the error so traversal refusals are debuggable.
func (s *Service) resolve(raw string) (string, error) {
	clean := validate.SanitizePath(raw, s.home)
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrDenied, raw)
	}
	return clean, nil
}

// Browse lists a directory, directories first then files, hidden
// entries skipped. An empty path starts at home.
func (s *Service) Browse(raw string) (string, []Entry, error) {
	if raw == "" {
		raw = s.home
	}
	dir, err := s.resolve(raw)
	if err != nil {
		return "", nil, err
	}
	list, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, fmt.Errorf("read directory: %w", err)
	}

	entries := make([]Entry, 0, len(list))
	for _, d := range list {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		e := Entry{Name: d.Name(), Path: filepath.Join(dir, d.Name()), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return dir, entries, nil
}

func checkReadable(path string) (os.FileInfo, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		ext = strings.ToLower(filepath.Base(path)) // dotfiles like .gitignore
	}
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: extension %q", ErrDenied, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: is a directory", ErrDenied)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	return info, nil
}

// Read returns the file contents as a string.
func (s *Service) Read(raw string) (string, error) {
	path, err := s.resolve(raw)
	if err != nil {
		return "", err
	}
	if _, err := checkReadable(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// Download returns the file name, base64 contents and mime type.
func (s *Service) Download(raw string) (name, data, mimeType string, err error) {
	path, err := s.resolve(raw)
	if err != nil {
		return "", "", "", err
	}
	if _, err := checkReadable(path); err != nil {
		return "", "", "", err
	}
	raw2, err := os.ReadFile(path)
	if err != nil {
		return "", "", "", fmt.Errorf("read file: %w", err)
	}
	mimeType = mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return filepath.Base(path), base64.StdEncoding.EncodeToString(raw2), mimeType, nil
}

// OpenInEditor opens the path with $VISUAL, $EDITOR, or the platform
// opener, in that order.
func (s *Service) OpenInEditor(ctx context.Context, raw string) error {
	path, err := s.resolve(raw)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	var cmd *exec.Cmd
	switch {
	case editor != "":
		cmd = exec.CommandContext(ctx, editor, path)
	case runtime.GOOS == "darwin":
		cmd = exec.CommandContext(ctx, "open", path)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open editor: %w", err)
	}
	// The editor outlives the request; don't wait for it.
	go func() { _ = cmd.Wait() }()
	return nil
}

// SaveUpload writes base64 image data to the system temp dir as
// companion-<epoch>.<ext> and returns the path.
func SaveUpload(data, mimeType string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	ext := extForMime(mimeType)
	path := filepath.Join(os.TempDir(), fmt.Sprintf("companion-%d%s", time.Now().UnixMilli(), ext))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
