// Package pagination harvests paginated APIs.
//
// Cursor walks a GraphQL connection page by page, following pageInfo.endCursor
// until the requested number of records is collected or the server runs out:
//
//	fetcher, err := pagination.NewCursor(gqlClient, pagination.CursorConfig[Repository]{
//		Query:          searchQuery,
//		ConnectionPath: []string{"search"},
//		PageDelay:      pagination.DefaultPageDelay,
//		Normalize:      normalizeRepository,
//	})
//	repos, err := fetcher.Fetch(ctx, 250) // pages of 100, 100, 50
//
// BatchFetcher fetches page-numbered REST endpoints in parallel once the first
// page has announced the page count:
//
//	fetcher := pagination.NewBatchFetcher(pageFetcher, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "/locations")
//
// Both fail as a whole: a harvest either returns every record it was asked for
// (or everything the server has) or an error, never a partial result.
package pagination
