package kvstore

import (
	"errors"

	"github.com/google/uuid"
)

type RequestType int

const (
	Get RequestType = iota
	Set
)

func (t RequestType) String() string {
	switch t {
	case Get:
		return "GET"
	case Set:
		return "SET"
	}
	return "UNKNOWN"
}

// Request is what clients send and what is replicated, JSON encoded, inside
// a content.Transaction.
type Request struct {
	Type          RequestType `json:"type"`
	Key           string      `json:"key"`
	Val           string      `json:"val,omitempty"`
	TransactionId uuid.UUID   `json:"transaction_id"`
}

var ErrKeyNotFound = errors.New("key does not exist")
