// Package selector ranks the backends able to perform one atomic format
// conversion and invokes them with ordered fallback.
//
// Ranking is driven by a complexity profile: Analyze scans the input for
// features that make a conversion harder (custom typefaces, scripting, 4K
// video and so on), scores it, and maps the score onto a level using
// thresholds the optimizer keeps tuning. Each level prefers a backend tier.
//
// Every attempt writes into its own scratch directory next to the requested
// output; only the winning attempt is renamed into place, so a backend that
// keeps running past its timeout can never overwrite a later result.
package selector
