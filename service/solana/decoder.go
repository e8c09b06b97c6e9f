package solana

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	signatureLength = 64
	versionPrefix   = 0x80
)

// EnvelopeVersion identifies the transaction envelope format.
type EnvelopeVersion int

const (
	EnvelopeLegacy EnvelopeVersion = iota
	EnvelopeV0
)

func (v EnvelopeVersion) String() string {
	switch v {
	case EnvelopeLegacy:
		return "legacy"
	case EnvelopeV0:
		return "v0"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// DetectVersion reads the envelope version from wire-format transaction bytes.
// A message whose first byte has the high bit set is versioned, with the
// version in the low seven bits; anything else is a legacy message.
func DetectVersion(data []byte) (EnvelopeVersion, error) {
	numSigs, size, err := bin.DecodeCompactU16(data)
	if err != nil {
		return 0, fmt.Errorf("%w: bad signature count: %v", ErrUnsupportedEncoding, err)
	}
	offset := size + numSigs*signatureLength
	if offset >= len(data) {
		return 0, fmt.Errorf("%w: truncated message", ErrUnsupportedEncoding)
	}

	prefix := data[offset]
	if prefix&versionPrefix == 0 {
		return EnvelopeLegacy, nil
	}
	if version := prefix &^ versionPrefix; version != 0 {
		return 0, fmt.Errorf("%w: message version %d", ErrUnsupportedEncoding, version)
	}
	return EnvelopeV0, nil
}

// Decode turns a raw transaction into instructions with resolved accounts.
// Versioned transactions have their lookup-table references resolved against
// the loaded addresses carried in raw, writable before readonly.
func Decode(raw *RawTransaction) ([]Instruction, error) {
	version, err := DetectVersion(raw.Data)
	if err != nil {
		return nil, err
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}

	keys, err := resolveAccountKeys(version, &tx.Message, raw)
	if err != nil {
		return nil, err
	}

	out := make([]Instruction, 0, len(tx.Message.Instructions))
	for i, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("%w: instruction %d program index %d out of range", ErrMalformedTransaction, i, ci.ProgramIDIndex)
		}
		accounts := make([]solana.PublicKey, len(ci.Accounts))
		for j, idx := range ci.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("%w: instruction %d account index %d out of range", ErrMalformedTransaction, i, idx)
			}
			accounts[j] = keys[idx]
		}
		out = append(out, Instruction{
			ProgramID: keys[ci.ProgramIDIndex],
			Accounts:  accounts,
			Data:      []byte(ci.Data),
		})
	}
	return out, nil
}

func resolveAccountKeys(version EnvelopeVersion, msg *solana.Message, raw *RawTransaction) ([]solana.PublicKey, error) {
	static := []solana.PublicKey(msg.AccountKeys)
	if version == EnvelopeLegacy {
		return static, nil
	}

	var writable, readonly int
	for _, lookup := range msg.AddressTableLookups {
		writable += len(lookup.WritableIndexes)
		readonly += len(lookup.ReadonlyIndexes)
	}
	if writable != len(raw.LoadedWritable) || readonly != len(raw.LoadedReadonly) {
		return nil, fmt.Errorf("%w: expected %d writable and %d readonly, got %d and %d",
			ErrUnresolvedLookups, writable, readonly, len(raw.LoadedWritable), len(raw.LoadedReadonly))
	}

	keys := make([]solana.PublicKey, 0, len(static)+writable+readonly)
	keys = append(keys, static...)
	keys = append(keys, raw.LoadedWritable...)
	keys = append(keys, raw.LoadedReadonly...)
	return keys, nil
}
