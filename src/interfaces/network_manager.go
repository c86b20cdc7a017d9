package interfaces

import "context"

// -----------------------------------------------------------------------------
// INetworkManager defines the contract for HTTP requests with retry logic.
// -----------------------------------------------------------------------------

type INetworkManager interface {

	// -----------------------------------------------------------------------------

	// Get performs a GET request to the specified URL with parameters.
	// Returns the response body as bytes or an error.
	Get(ctx context.Context, url string, params map[string]string) ([]byte, error)

	// -----------------------------------------------------------------------------

	// GetWithHeaders performs a GET request with extra request headers
	// (API keys for authenticated catalog sources).
	GetWithHeaders(ctx context.Context, url string, params map[string]string, headers map[string]string) ([]byte, error)
}
