// Package policyrepo versions organization policies in one git repository per org.
package policyrepo

import (
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
)

var (
	ErrNoChanges    = errors.New("policy content unchanged")
	ErrRepoNotFound = errors.New("policy repository not found")
	ErrInvalidID    = errors.New("invalid identifier")
)

type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// CommitPolicy writes the policy markdown into the org repository, creating the
// repository on first use.
func (s *Service) CommitPolicy(orgID, policyID string, content Content, author, message string) (Commit, error) {
	if !validID(orgID) || !validID(policyID) {
		return Commit{}, ErrInvalidID
	}
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(orgID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	name := policyFile(policyID)
	full := filepath.Join(worktree.Filesystem.Root(), name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Commit{}, fmt.Errorf("create policy dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(renderMarkdown(content)), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return Commit{}, fmt.Errorf("git add policy: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return Commit{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return Commit{}, ErrNoChanges
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@members.circles.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit policy: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists commits touching one policy, newest first.
func (s *Service) History(orgID, policyID string, limit int) ([]Commit, error) {
	if !validID(orgID) || !validID(policyID) {
		return nil, ErrInvalidID
	}
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	name := policyFile(policyID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &name})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the policy as it was at the given commit.
func (s *Service) ContentAt(orgID, policyID, hash string) (Content, error) {
	if !validID(orgID) || !validID(policyID) {
		return Content{}, ErrInvalidID
	}
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return Content{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(policyFile(policyID))
	if err != nil {
		return Content{}, fmt.Errorf("load policy from commit: %w", err)
	}
	text, err := file.Contents()
	if err != nil {
		return Content{}, fmt.Errorf("read policy contents: %w", err)
	}
	return parseMarkdown(text), nil
}

func (s *Service) repoPath(orgID string) string {
	return filepath.Join(s.baseDir, orgID)
}

func (s *Service) open(orgID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(orgID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(orgID string) (*git.Repository, error) {
	repo, err := s.open(orgID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrRepoNotFound) {
		return nil, err
	}
	path := s.repoPath(orgID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) orgLock(orgID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[orgID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[orgID] = lock
	return lock
}

func policyFile(policyID string) string {
	return "policies/" + policyID + ".md"
}

func renderMarkdown(content Content) string {
	body := strings.TrimRight(content.Body, "\n")
	return "# " + strings.TrimSpace(content.Title) + "\n\n" + body + "\n"
}

func parseMarkdown(text string) Content {
	first, rest, _ := strings.Cut(text, "\n")
	return Content{
		Title: strings.TrimSpace(strings.TrimPrefix(first, "# ")),
		Body:  strings.TrimRight(strings.TrimPrefix(rest, "\n"), "\n"),
	}
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
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
		return "member"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
