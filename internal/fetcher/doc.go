// Package fetcher implements the segmented downloader: it pulls a resource from
// its origin in fixed-size Range requests, persists every accepted segment
// through cache.Store.Append and resumes from whatever prefix is already stored.
//
// A crash loses at most the segment in flight. An origin that ignores Range
// and answers 200 mid-download invalidates the stored prefix, which is then
// replaced by a single full fetch.
package fetcher
