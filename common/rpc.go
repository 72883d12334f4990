package common

type ClientRequestRPC struct {
	Data []byte
}

type ClientRequestRPCResult struct {
	Success bool
	// Error will be non-empty iff Success is False
	Error string
	// Retryable is set when another server may be able to serve the request
	Retryable bool
	// Data can be non-nil for example for Get calls
	Data []byte
}

// ClientHandler is the interface exposed by a server to clients.
type ClientHandler interface {
	ClientRequest(args *ClientRequestRPC, result *ClientRequestRPCResult) error
}
