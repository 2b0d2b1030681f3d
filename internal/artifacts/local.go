package artifacts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
)

// LocalStore is the filesystem backend. Finished artifacts live under
// basePath; active consoles under jobsDir until their run goes terminal.
type LocalStore struct {
	basePath  string
	jobsDir   string
	publicURL string
	signKey   []byte
	mu        sync.RWMutex

	// now is swappable for URL-expiry tests.
	now func() time.Time
}

// NewLocalStore creates the directory layout and registers the .log type.
func NewLocalStore(basePath, jobsDir, publicURL string, signKey []byte) (*LocalStore, error) {
	for _, dir := range []string{basePath, jobsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	_ = mime.AddExtensionType(".log", "text/plain")
	return &LocalStore{
		basePath:  basePath,
		jobsDir:   jobsDir,
		publicURL: strings.TrimRight(publicURL, "/"),
		signKey:   signKey,
		now:       time.Now,
	}, nil
}

// ContentTypeFor guesses an upload content type from the path extension.
func ContentTypeFor(path string) string {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		return ""
	}
	// strip charset suffixes for a stable expected content-type
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

func (s *LocalStore) objectPath(path string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(path))
}

func (s *LocalStore) PutString(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.objectPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("create directory: %w", err))
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("write object: %w", err))
	}
	return nil
}

func (s *LocalStore) PutFile(ctx context.Context, path, localPath, contentType string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("open source: %w", err))
	}
	defer src.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.objectPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("create directory: %w", err))
	}
	dst, err := os.Create(full)
	if err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("create object: %w", err))
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("copy object: %w", err))
	}
	return nil
}

func (s *LocalStore) GetString(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.objectPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, jerrors.NotFound(path)
	}
	if err != nil {
		return nil, jerrors.StorageUnavailable(fmt.Errorf("read object: %w", err))
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, run RunRef) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := s.objectPath(run.Path(""))
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == RunDefName {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, jerrors.StorageUnavailable(fmt.Errorf("list artifacts: %w", err))
	}
	return out, nil
}

// PutURL signs an upload URL the worker can PUT to without credentials. The
// signature covers path and expiry, so a leaked URL dies with its deadline.
func (s *LocalStore) PutURL(run RunRef, rel string, expiration time.Duration, contentType string) (SignedURL, error) {
	path := run.Path(rel)
	expires := s.now().Add(expiration).Unix()
	sig := s.sign(path, expires)
	u := fmt.Sprintf("%s/upload/%s?expires=%d&signature=%s", s.publicURL, path, expires, sig)
	return SignedURL{URL: u, ContentType: contentType}, nil
}

// VerifyUpload checks a presented signature and deadline for an upload path.
func (s *LocalStore) VerifyUpload(path, signature string, expires int64) error {
	if s.now().Unix() > expires {
		return jerrors.AuthRequired("upload URL has expired")
	}
	want := s.sign(path, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return jerrors.AuthRequired("invalid upload signature")
	}
	return nil
}

func (s *LocalStore) sign(path string, expires int64) string {
	mac := hmac.New(sha256.New, s.signKey)
	mac.Write([]byte(path))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStore) consolePath(run RunRef) string {
	return filepath.Join(s.jobsDir, filepath.FromSlash(run.Path("console.log")))
}

func (s *LocalStore) ConsoleOpen(run RunRef, mode string) (io.ReadWriteCloser, error) {
	path := s.consolePath(run)
	switch mode {
	case "a":
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, jerrors.StorageUnavailable(fmt.Errorf("create console directory: %w", err))
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, jerrors.StorageUnavailable(fmt.Errorf("open console: %w", err))
		}
		return f, nil
	case "r":
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, jerrors.NotFound(run.Path("console.log"))
		}
		if err != nil {
			return nil, jerrors.StorageUnavailable(fmt.Errorf("open console: %w", err))
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported console mode: %q", mode)
	}
}

func (s *LocalStore) ConsoleSize(run RunRef) int64 {
	st, err := os.Stat(s.consolePath(run))
	if err != nil {
		return 0
	}
	return st.Size()
}

func (s *LocalStore) ConsoleFinalize(ctx context.Context, run RunRef) error {
	src := s.consolePath(run)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		// the run produced no console output
		return nil
	}
	if err := s.PutFile(ctx, run.Path("console.log"), src, "text/plain"); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return jerrors.StorageUnavailable(fmt.Errorf("remove console: %w", err))
	}
	// best-effort cleanup; siblings of an in-progress run keep the dirs alive
	_ = os.Remove(filepath.Dir(src))
	_ = os.Remove(filepath.Dir(filepath.Dir(src)))
	return nil
}

const pollerCachePath = "git_poller_cache.json"

func (s *LocalStore) GitPollerCache(ctx context.Context, fn func(cache map[string]map[string]string) error) error {
	cache := map[string]map[string]string{}
	data, err := s.GetString(ctx, pollerCachePath)
	if err == nil {
		if jerr := json.Unmarshal(data, &cache); jerr != nil {
			return fmt.Errorf("decode poller cache: %w", jerr)
		}
	} else if !jerrors.IsCategory(err, jerrors.CategoryNotFound) {
		return err
	}

	if err := fn(cache); err != nil {
		return err
	}

	out, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("encode poller cache: %w", err)
	}
	return s.PutString(ctx, pollerCachePath, out)
}
