package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
)

// Final states of a pull request.
const (
	StatusMerged = "MERGED"
	StatusClosed = "CLOSED"
)

// MinReviewedDuration is the shortest review window ReviewedFilter accepts.
const MinReviewedDuration = time.Hour

// PullRequest is one merged or closed pull request.
type PullRequest struct {
	Repo          string
	Number        int
	State         string
	Merged        bool
	CreatedAt     time.Time
	MergedAt      *time.Time
	ClosedAt      *time.Time
	ChangedFiles  int
	Additions     int
	Deletions     int
	BodyLength    int
	Comments      int
	ReviewThreads int
	Participants  int
	Reviews       int
}

// Key returns the primary key, "owner/name#number".
func (p PullRequest) Key() string {
	return p.Repo + "#" + strconv.Itoa(p.Number)
}

// EndTime is the merge time, or the close time for unmerged pull requests.
func (p PullRequest) EndTime() (time.Time, bool) {
	switch {
	case p.MergedAt != nil:
		return *p.MergedAt, true
	case p.ClosedAt != nil:
		return *p.ClosedAt, true
	default:
		return time.Time{}, false
	}
}

// AnalysisHours is the time from creation to EndTime, in hours.
// It is zero when the pull request has no end time.
func (p PullRequest) AnalysisHours() float64 {
	end, ok := p.EndTime()
	if !ok {
		return 0
	}
	return end.Sub(p.CreatedAt).Hours()
}

// FinalStatus is StatusMerged or StatusClosed.
func (p PullRequest) FinalStatus() string {
	if p.Merged {
		return StatusMerged
	}
	return StatusClosed
}

// Interactions is the number of issue comments plus review threads.
func (p PullRequest) Interactions() int {
	return p.Comments + p.ReviewThreads
}

// ReviewedFilter keeps pull requests that received at least one review and
// stayed open for at least MinReviewedDuration.
func ReviewedFilter(p PullRequest) bool {
	if p.Reviews < 1 {
		return false
	}
	if _, ok := p.EndTime(); !ok {
		return false
	}
	return p.AnalysisHours() >= MinReviewedDuration.Hours()
}

// PullRequestHeader is the CSV header written for pull requests.
var PullRequestHeader = []string{
	"repo", "number", "final_status", "final_status_bin", "analysis_hours",
	"size_files", "size_additions", "size_deletions", "desc_len_chars",
	"interactions_participants", "interactions_comments_issue", "interactions_review_threads",
	"interactions_comments", "reviews_count", "createdAt", "endTime", "state", "merged",
}

// Header implements export.Record.
func (PullRequest) Header() []string {
	return PullRequestHeader
}

// Row implements export.Record.
func (p PullRequest) Row() []string {
	statusBin := "0"
	if p.Merged {
		statusBin = "1"
	}
	end, _ := p.EndTime()
	return []string{
		p.Repo,
		strconv.Itoa(p.Number),
		p.FinalStatus(),
		statusBin,
		strconv.FormatFloat(p.AnalysisHours(), 'f', 4, 64),
		strconv.Itoa(p.ChangedFiles),
		strconv.Itoa(p.Additions),
		strconv.Itoa(p.Deletions),
		strconv.Itoa(p.BodyLength),
		strconv.Itoa(p.Participants),
		strconv.Itoa(p.Comments),
		strconv.Itoa(p.ReviewThreads),
		strconv.Itoa(p.Interactions()),
		strconv.Itoa(p.Reviews),
		formatTime(p.CreatedAt),
		formatTime(end),
		p.State,
		strconv.FormatBool(p.Merged),
	}
}

type pullRequestNode struct {
	Number        int        `json:"number"`
	State         string     `json:"state"`
	Merged        bool       `json:"merged"`
	CreatedAt     time.Time  `json:"createdAt"`
	MergedAt      *time.Time `json:"mergedAt"`
	ClosedAt      *time.Time `json:"closedAt"`
	Body          *string    `json:"body"`
	ChangedFiles  int        `json:"changedFiles"`
	Additions     int        `json:"additions"`
	Deletions     int        `json:"deletions"`
	Comments      *count     `json:"comments"`
	ReviewThreads *count     `json:"reviewThreads"`
	Participants  *count     `json:"participants"`
	Reviews       *count     `json:"reviews"`
}

// NormalizePullRequest returns a normalizer that stamps each pull request
// with the repository it belongs to.
func NormalizePullRequest(repo string) func(json.RawMessage) (PullRequest, error) {
	return func(raw json.RawMessage) (PullRequest, error) {
		var n pullRequestNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return PullRequest{}, client.NewShapeError(err, "decode pull request node")
		}
		if n.Number <= 0 {
			return PullRequest{}, client.NewShapeError(nil, "pull request node without number in %s", repo)
		}
		pr := PullRequest{
			Repo:          repo,
			Number:        n.Number,
			State:         n.State,
			Merged:        n.Merged,
			CreatedAt:     n.CreatedAt,
			MergedAt:      n.MergedAt,
			ClosedAt:      n.ClosedAt,
			ChangedFiles:  n.ChangedFiles,
			Additions:     n.Additions,
			Deletions:     n.Deletions,
			Comments:      countOf(n.Comments),
			ReviewThreads: countOf(n.ReviewThreads),
			Participants:  countOf(n.Participants),
			Reviews:       countOf(n.Reviews),
		}
		if n.Body != nil {
			pr.BodyLength = utf8.RuneCountInString(*n.Body)
		}
		return pr, nil
	}
}

// PullRequestOptions configures PullRequests.
type PullRequestOptions struct {
	// ReviewedOnly applies ReviewedFilter while harvesting.
	ReviewedOnly bool

	// PageDelay separates page requests.
	PageDelay time.Duration

	// Sink receives the result once the harvest completes.
	Sink pagination.Sink[PullRequest]
}

// SplitNameWithOwner splits "owner/name".
func SplitNameWithOwner(nameWithOwner string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(nameWithOwner), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: repository must be owner/name, got %q", client.ErrInvalidArgument, nameWithOwner)
	}
	return owner, name, nil
}

// PullRequests harvests up to limit merged or closed pull requests of one
// repository, newest first.
func PullRequests(ctx context.Context, requester pagination.Requester, nameWithOwner string, limit int, opts PullRequestOptions) ([]PullRequest, error) {
	owner, name, err := SplitNameWithOwner(nameWithOwner)
	if err != nil {
		return nil, err
	}
	repo := owner + "/" + name

	cfg := pagination.CursorConfig[PullRequest]{
		Name:           "pull_requests",
		Query:          pullRequestsQuery,
		Variables:      map[string]any{"owner": owner, "name": name},
		ConnectionPath: []string{"repository", "pullRequests"},
		PageDelay:      opts.PageDelay,
		Normalize:      NormalizePullRequest(repo),
		Sink:           opts.Sink,
	}
	if opts.ReviewedOnly {
		cfg.Filter = ReviewedFilter
		// Unreviewed pull requests may dominate a page.
		cfg.MaxPages = limit + 50
	}

	fetcher, err := pagination.NewCursor(requester, cfg)
	if err != nil {
		return nil, err
	}
	return fetcher.Fetch(ctx, limit)
}
