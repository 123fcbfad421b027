// Package openaq harvests air-quality measurements from the OpenAQ v3 REST API.
//
// Listings on OpenAQ are page-numbered: every response carries meta.found and
// meta.limit. When meta.found is exact the number of pages is known after the
// first request and the remaining pages are fetched in parallel with
// pagination.BatchFetcher. A lower bound such as ">1000" leaves the size open,
// and pages are read one after another until a short page.
//
// The client authenticates with the "X-API-Key" header:
//
//	cfg := client.DefaultConfig(os.Getenv("OPENAQ_API_TOKEN"), "gh-harvest")
//	cfg.Endpoint = openaq.DefaultEndpoint
//	cfg.AuthScheme = client.AuthAPIKey
//	rest, _ := client.New(cfg)
//
//	aq := openaq.New(rest, openaq.Options{})
//	rows, err := aq.Harvest(ctx, openaq.HarvestOptions{Days: 180})
package openaq
