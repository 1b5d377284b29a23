// Package pagination materializes cursor-paginated App Store Connect listings.
//
// App Store Connect answers list requests with a JSON:API envelope whose
// links.next carries the URL of the following page, including the query of
// the original request. The Engine follows those links sequentially and
// re-sends only the caller parameters the next link does not already carry.
//
// Example usage:
//
//	engine := pagination.NewEngine(sess)
//	result, err := engine.Paginate(ctx, "/bundleIds", query.Params{
//		"filter[platform]": "IOS",
//	}, pagination.DefaultOptions())
//
// The engine:
//   - Sends limit=min(PageSize, Limit) with the first request
//   - Stops once links.next is absent or Limit items were collected
//   - Returns data and included resources in arrival order
//   - Fails on the first page error without partial results
package pagination
