// Package github harvests repository and pull-request metadata from the
// GitHub GraphQL API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
)

// Search limits imposed by the GitHub search API.
const (
	MaxSearchResults     = 1000
	DefaultSearchQuery   = "stars:>1 sort:stars"
	searchConnectionName = "search"
)

// Repository is one search result.
type Repository struct {
	NameWithOwner      string
	StargazerCount     int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PrimaryLanguage    string
	DefaultBranch      string
	MergedPullRequests int
	ClosedPullRequests int
	Releases           int
	TotalIssues        int
	ClosedIssues       int
}

// Owner returns the part of NameWithOwner before the slash.
func (r Repository) Owner() string {
	owner, _, _ := strings.Cut(r.NameWithOwner, "/")
	return owner
}

// Name returns the part of NameWithOwner after the slash.
func (r Repository) Name() string {
	_, name, _ := strings.Cut(r.NameWithOwner, "/")
	return name
}

// Key returns the primary key.
func (r Repository) Key() string {
	return r.NameWithOwner
}

// RepositoryHeader is the CSV header written for repositories.
var RepositoryHeader = []string{
	"nameWithOwner", "stargazerCount", "createdAt", "updatedAt",
	"primaryLanguage", "defaultBranch", "mergedPRs", "closedPRs",
	"releases", "totalIssues", "closedIssues",
}

// Header implements export.Record.
func (Repository) Header() []string {
	return RepositoryHeader
}

// Row implements export.Record.
func (r Repository) Row() []string {
	return []string{
		r.NameWithOwner,
		strconv.Itoa(r.StargazerCount),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		r.PrimaryLanguage,
		r.DefaultBranch,
		strconv.Itoa(r.MergedPullRequests),
		strconv.Itoa(r.ClosedPullRequests),
		strconv.Itoa(r.Releases),
		strconv.Itoa(r.TotalIssues),
		strconv.Itoa(r.ClosedIssues),
	}
}

type repositoryNode struct {
	NameWithOwner    string    `json:"nameWithOwner"`
	StargazerCount   int       `json:"stargazerCount"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	PrimaryLanguage  *named    `json:"primaryLanguage"`
	DefaultBranchRef *named    `json:"defaultBranchRef"`
	MergedPRs        *count    `json:"mergedPRs"`
	ClosedPRs        *count    `json:"closedPRs"`
	Releases         *count    `json:"releases"`
	Issues           *count    `json:"issues"`
	ClosedIssues     *count    `json:"closedIssues"`
}

// NormalizeRepository converts a search node into a Repository.
// Nodes without nameWithOwner are rejected.
func NormalizeRepository(raw json.RawMessage) (Repository, error) {
	var n repositoryNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return Repository{}, client.NewShapeError(err, "decode repository node")
	}
	if n.NameWithOwner == "" {
		return Repository{}, client.NewShapeError(nil, "repository node without nameWithOwner")
	}
	return Repository{
		NameWithOwner:      n.NameWithOwner,
		StargazerCount:     n.StargazerCount,
		CreatedAt:          n.CreatedAt,
		UpdatedAt:          n.UpdatedAt,
		PrimaryLanguage:    nameOf(n.PrimaryLanguage),
		DefaultBranch:      nameOf(n.DefaultBranchRef),
		MergedPullRequests: countOf(n.MergedPRs),
		ClosedPullRequests: countOf(n.ClosedPRs),
		Releases:           countOf(n.Releases),
		TotalIssues:        countOf(n.Issues),
		ClosedIssues:       countOf(n.ClosedIssues),
	}, nil
}

// SearchOptions configures SearchRepositories.
type SearchOptions struct {
	// Query is the raw search string. Ignored when Language is set.
	Query string

	// Language restricts the search to one primary language, sorted by stars.
	Language string

	// MinPullRequests keeps only repositories with at least this many
	// merged plus closed pull requests.
	MinPullRequests int

	// PageDelay separates page requests.
	PageDelay time.Duration

	// Sink receives the result once the harvest completes.
	Sink pagination.Sink[Repository]
}

// SearchString returns the search expression sent to GitHub.
func (o SearchOptions) SearchString() string {
	switch {
	case strings.TrimSpace(o.Language) != "":
		return fmt.Sprintf("language:%s sort:stars-desc", strings.TrimSpace(o.Language))
	case strings.TrimSpace(o.Query) != "":
		return strings.TrimSpace(o.Query)
	default:
		return DefaultSearchQuery
	}
}

// SearchRepositories harvests up to total repositories, most starred first.
// total must be within 1..MaxSearchResults.
func SearchRepositories(ctx context.Context, requester pagination.Requester, total int, opts SearchOptions) ([]Repository, error) {
	cfg := pagination.CursorConfig[Repository]{
		Name:           "repositories",
		Query:          searchRepositoriesQuery,
		Variables:      map[string]any{"searchQuery": opts.SearchString()},
		ConnectionPath: []string{searchConnectionName},
		MaxTotal:       MaxSearchResults,
		PageDelay:      opts.PageDelay,
		Normalize:      NormalizeRepository,
		Sink:           opts.Sink,
	}
	if opts.MinPullRequests > 0 {
		threshold := opts.MinPullRequests
		cfg.Filter = func(r Repository) bool {
			return r.MergedPullRequests+r.ClosedPullRequests >= threshold
		}
		// Search never yields more than MaxSearchResults nodes, so a page
		// per result bounds a filtered walk.
		cfg.MaxPages = MaxSearchResults
	}

	fetcher, err := pagination.NewCursor(requester, cfg)
	if err != nil {
		return nil, err
	}
	return fetcher.Fetch(ctx, total)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
