// Package fetcher performs single HTTP GETs for tiles and metadata.
//
// A fetch either returns the full response body or an error; there are no
// retries. Failures are classified as:
//   - ErrTimeout when the request context expired
//   - *StatusError for any non-2xx status
//   - ErrEmptyBody for a 2xx without a body
//   - ErrHTTPSProxyUnsupported when an https URL would be sent through a proxy
//     and the client was built with RejectHTTPSProxy
//   - the transport error otherwise
package fetcher
