package solana

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrTransactionNotFound means the ledger does not (yet) return the transaction.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrUnsupportedEncoding means the transaction envelope version is not one we decode.
	ErrUnsupportedEncoding = errors.New("unsupported transaction encoding")

	// ErrUnresolvedLookups means a versioned transaction's address-table lookups
	// could not be matched against the loaded addresses returned with it.
	ErrUnresolvedLookups = errors.New("unresolved address table lookups")

	// ErrMalformedTransaction means the envelope decoded but references accounts
	// that do not exist.
	ErrMalformedTransaction = errors.New("malformed transaction")
)

// RawTransaction is a transaction as returned by the ledger, before decoding.
type RawTransaction struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime time.Time

	// Data is the wire-format transaction (signatures followed by the message).
	Data []byte

	// Loaded addresses resolved by the node for versioned transactions.
	LoadedWritable []solana.PublicKey
	LoadedReadonly []solana.PublicKey

	Failed bool
}

// Instruction is a decoded instruction with every account reference resolved.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}
