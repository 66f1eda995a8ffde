// Package api exposes a manager over HTTP and provides a client for it.
//
// Control requests answer with JSON. Activation answers with a stream of
// newline-delimited OpState values (application/x-ndjson) that ends with the
// invocation's terminal state. Rejected activations that still produce a
// stream, such as a locked operation, are streamed like any other outcome;
// requests that cannot produce a stream at all fail with an ErrorResponse
// whose status is derived from the error code.
package api
