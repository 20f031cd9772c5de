// Package gitrepo archives document versions as commits in one git
// repository per document. Each commit rewrites content.json with the
// archived state; the commit count is the version number.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"rubyeditor/api/internal/store"
)

const contentFile = "content.json"

// versionFile is the committed payload.
type versionFile struct {
	ID        string          `json:"id"`
	Number    int             `json:"version"`
	Title     string          `json:"title"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
	Content   json.RawMessage `json:"content"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// AppendVersion commits v and assigns it the next number. The per-document
// lock serializes count and commit.
func (a *Archive) AppendVersion(_ context.Context, v store.Version) (store.Version, error) {
	path, err := a.repoPath(v.TenantID, v.DocumentID)
	if err != nil {
		return store.Version{}, err
	}
	lock := a.documentLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return store.Version{}, err
	}
	count, err := countCommits(repo)
	if err != nil {
		return store.Version{}, err
	}
	v.Number = count + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	payload, err := json.MarshalIndent(versionFile{
		ID:        v.ID,
		Number:    v.Number,
		Title:     v.Title,
		CreatedBy: v.CreatedBy,
		CreatedAt: v.CreatedAt,
		Content:   json.RawMessage(v.Content),
	}, "", "  ")
	if err != nil {
		return store.Version{}, fmt.Errorf("marshal version: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.Version{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, contentFile), append(payload, '\n'), 0o644); err != nil {
		return store.Version{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return store.Version{}, fmt.Errorf("git add version: %w", err)
	}
	author := v.CreatedBy
	if author == "" {
		author = "unknown"
	}
	_, err = worktree.Commit(fmt.Sprintf("Version %d", v.Number), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.rubyeditor.local", sanitizeEmail(author)),
			When:  v.CreatedAt,
		},
	})
	if err != nil {
		return store.Version{}, fmt.Errorf("commit version: %w", err)
	}
	return v, nil
}

// ListVersions walks the log from HEAD, which yields newest-first.
func (a *Archive) ListVersions(_ context.Context, tenantID, documentID string) ([]store.Version, error) {
	items := make([]store.Version, 0)
	err := a.walk(tenantID, documentID, func(v store.Version) bool {
		items = append(items, v)
		return true
	})
	return items, err
}

func (a *Archive) GetVersion(_ context.Context, tenantID, documentID string, number int) (store.Version, error) {
	var found *store.Version
	err := a.walk(tenantID, documentID, func(v store.Version) bool {
		if v.Number == number {
			found = &v
			return false
		}
		return v.Number > number
	})
	if err != nil {
		return store.Version{}, err
	}
	if found == nil {
		return store.Version{}, store.ErrNotFound
	}
	return *found, nil
}

func (a *Archive) walk(tenantID, documentID string, visit func(store.Version) bool) error {
	path, err := a.repoPath(tenantID, documentID)
	if err != nil {
		return err
	}
	lock := a.documentLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		v, err := readVersion(commitObj)
		if err != nil {
			return err
		}
		v.TenantID = tenantID
		v.DocumentID = documentID
		if !visit(v) {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("iterate log: %w", err)
	}
	return nil
}

func (a *Archive) repoPath(tenantID, documentID string) (string, error) {
	for _, segment := range []string{tenantID, documentID} {
		if segment == "" || segment == "." || segment == ".." || strings.ContainsAny(segment, `/\`) {
			return "", fmt.Errorf("invalid repository segment %q", segment)
		}
	}
	return filepath.Join(a.baseDir, tenantID, documentID), nil
}

func (a *Archive) documentLock(path string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[path]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[path] = lock
	return lock
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func countCommits(repo *git.Repository) (int, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()
	count := 0
	if err := iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	}); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return count, nil
}

func readVersion(commitObj *object.Commit) (store.Version, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return store.Version{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return store.Version{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return store.Version{}, fmt.Errorf("read content bytes: %w", err)
	}
	var payload versionFile
	if err := json.Unmarshal(raw, &payload); err != nil {
		return store.Version{}, fmt.Errorf("decode version %s: %w", commitObj.Hash.String()[:7], err)
	}
	return store.Version{
		ID:        payload.ID,
		Title:     payload.Title,
		Content:   payload.Content,
		Number:    payload.Number,
		CreatedBy: payload.CreatedBy,
		CreatedAt: payload.CreatedAt,
	}, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
