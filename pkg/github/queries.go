package github

// searchRepositoriesQuery lists repositories for a search string, one page at a time.
const searchRepositoriesQuery = `query SearchRepositories($searchQuery: String!, $pageSize: Int!, $afterCursor: String) {
  search(query: $searchQuery, type: REPOSITORY, first: $pageSize, after: $afterCursor) {
    nodes {
      ... on Repository {
        nameWithOwner
        stargazerCount
        createdAt
        updatedAt
        primaryLanguage { name }
        defaultBranchRef { name }
        mergedPRs: pullRequests(states: MERGED) { totalCount }
        closedPRs: pullRequests(states: CLOSED) { totalCount }
        releases { totalCount }
        issues { totalCount }
        closedIssues: issues(states: CLOSED) { totalCount }
      }
    }
    pageInfo {
      endCursor
      hasNextPage
    }
  }
}`

// pullRequestsQuery lists the merged and closed pull requests of one repository,
// newest first.
const pullRequestsQuery = `query PullRequests($owner: String!, $name: String!, $pageSize: Int!, $afterCursor: String) {
  repository(owner: $owner, name: $name) {
    pullRequests(states: [MERGED, CLOSED], orderBy: {field: CREATED_AT, direction: DESC}, first: $pageSize, after: $afterCursor) {
      nodes {
        number
        state
        merged
        createdAt
        mergedAt
        closedAt
        body
        changedFiles
        additions
        deletions
        comments { totalCount }
        reviewThreads { totalCount }
        participants { totalCount }
        reviews(states: [APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED, PENDING]) { totalCount }
      }
      pageInfo {
        endCursor
        hasNextPage
      }
    }
  }
}`

// count is GitHub's {totalCount} wrapper.
type count struct {
	TotalCount int `json:"totalCount"`
}

// named is GitHub's {name} wrapper.
type named struct {
	Name string `json:"name"`
}

func countOf(c *count) int {
	if c == nil {
		return 0
	}
	return c.TotalCount
}

func nameOf(n *named) string {
	if n == nil {
		return ""
	}
	return n.Name
}
