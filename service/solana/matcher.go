package solana

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Rejection reasons returned by ExpectedTransfer.Check.
var (
	ErrNotSystemProgram = errors.New("not a system program instruction")
	ErrTooFewAccounts   = errors.New("instruction references fewer than two accounts")
	ErrWrongSource      = errors.New("source does not match expected sender")
	ErrWrongDestination = errors.New("destination does not match expected recipient")
	ErrPayloadTooShort  = errors.New("instruction data shorter than 12 bytes")
	ErrAmountMismatch   = errors.New("transfer amount does not match")
)

// System transfer payload: [0,4) instruction tag, [4,12) lamports.
const transferPayloadLength = 12

// ExpectedTransfer is the native value transfer a watch is looking for.
type ExpectedTransfer struct {
	Sender    solana.PublicKey
	Recipient solana.PublicKey
	Amount    uint64
}

// Check returns nil if ins is exactly the expected transfer, or the reason it is not.
func (e ExpectedTransfer) Check(ins Instruction) error {
	if !ins.ProgramID.Equals(solana.SystemProgramID) {
		return ErrNotSystemProgram
	}
	if len(ins.Accounts) < 2 {
		return ErrTooFewAccounts
	}
	if !ins.Accounts[0].Equals(e.Sender) {
		return ErrWrongSource
	}
	if !ins.Accounts[1].Equals(e.Recipient) {
		return ErrWrongDestination
	}
	if len(ins.Data) < transferPayloadLength {
		return ErrPayloadTooShort
	}
	if got := binary.LittleEndian.Uint64(ins.Data[4:12]); got != e.Amount {
		return fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, got, e.Amount)
	}
	return nil
}

// Matches reports whether ins is exactly the expected transfer.
func (e ExpectedTransfer) Matches(ins Instruction) bool {
	return e.Check(ins) == nil
}

// FirstMatch returns the index of the first matching instruction, or -1.
func (e ExpectedTransfer) FirstMatch(instructions []Instruction) int {
	for i, ins := range instructions {
		if e.Matches(ins) {
			return i
		}
	}
	return -1
}
