// Package streaminghttp implements the MCP streamable HTTP transport for the
// gateway. It mounts as a standard net/http handler on one endpoint path.
//
//   - POST without Mcp-Session-Id must carry initialize. The response is a
//     plain JSON result and the Mcp-Session-Id header names the new session.
//   - POST of a request opens a Server-Sent Events stream that carries every
//     frame for that request id (chunks, progress) and ends after its final
//     response. Closing the stream cancels the request.
//   - POST of a notification or response is answered with 202.
//   - GET opens the session stream. Frames whose request stream is gone are
//     delivered there, and an SSE comment is written every keep-alive
//     interval.
//   - DELETE closes the session and cancels whatever it still has in flight.
//
// Request streams are independent, so the session's conn is multiplexed.
// Each stream buffers a bounded number of frames; a full buffer is reported
// to the engine as backpressure, which parks streaming producers instead of
// dropping output.
//
// With WithAuthenticator every call needs a bearer token, the token subject
// becomes the client key for per-client session limits, and an OAuth
// protected resource metadata document is served when the authenticator can
// describe its authorization server.
package streaminghttp
