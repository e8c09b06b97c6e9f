package solana

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireInstruction struct {
	program  uint8
	accounts []uint8
	data     []byte
}

type wireLookup struct {
	table    solana.PublicKey
	writable []uint8
	readonly []uint8
}

// buildWire assembles a single-signature transaction in wire format. All
// lengths used in tests stay below 128 so every compact-u16 is one byte.
func buildWire(versioned bool, keys []solana.PublicKey, instructions []wireInstruction, lookups []wireLookup) []byte {
	b := []byte{1}
	b = append(b, make([]byte, signatureLength)...)
	if versioned {
		b = append(b, versionPrefix)
	}
	b = append(b, 1, 0, 1)
	b = append(b, byte(len(keys)))
	for _, k := range keys {
		b = append(b, k[:]...)
	}
	b = append(b, make([]byte, 32)...)
	b = append(b, byte(len(instructions)))
	for _, in := range instructions {
		b = append(b, in.program, byte(len(in.accounts)))
		b = append(b, in.accounts...)
		b = append(b, byte(len(in.data)))
		b = append(b, in.data...)
	}
	if versioned {
		b = append(b, byte(len(lookups)))
		for _, l := range lookups {
			b = append(b, l.table[:]...)
			b = append(b, byte(len(l.writable)))
			b = append(b, l.writable...)
			b = append(b, byte(len(l.readonly)))
			b = append(b, l.readonly...)
		}
	}
	return b
}

func transferData(amount uint64) []byte {
	d := make([]byte, transferPayloadLength)
	binary.LittleEndian.PutUint32(d[0:4], 2)
	binary.LittleEndian.PutUint64(d[4:12], amount)
	return d
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func TestDecode_Legacy(t *testing.T) {
	sender, recipient := newKey(), newKey()
	data := buildWire(false,
		[]solana.PublicKey{sender, recipient, solana.SystemProgramID},
		[]wireInstruction{{program: 2, accounts: []uint8{0, 1}, data: transferData(25_000_000)}},
		nil,
	)

	version, err := DetectVersion(data)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeLegacy, version)

	instructions, err := Decode(&RawTransaction{Data: data})
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	assert.Equal(t, solana.SystemProgramID, instructions[0].ProgramID)
	assert.Equal(t, []solana.PublicKey{sender, recipient}, instructions[0].Accounts)
	assert.Equal(t, transferData(25_000_000), instructions[0].Data)

	want := ExpectedTransfer{Sender: sender, Recipient: recipient, Amount: 25_000_000}
	assert.Equal(t, 0, want.FirstMatch(instructions))
}

func TestDecode_V0ResolvesLookups(t *testing.T) {
	sender, recipient, table := newKey(), newKey(), newKey()
	data := buildWire(true,
		[]solana.PublicKey{sender, solana.SystemProgramID},
		[]wireInstruction{{program: 1, accounts: []uint8{0, 2}, data: transferData(10_000_000)}},
		[]wireLookup{{table: table, writable: []uint8{7}}},
	)

	version, err := DetectVersion(data)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeV0, version)

	instructions, err := Decode(&RawTransaction{
		Data:           data,
		LoadedWritable: []solana.PublicKey{recipient},
	})
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	assert.Equal(t, []solana.PublicKey{sender, recipient}, instructions[0].Accounts)

	want := ExpectedTransfer{Sender: sender, Recipient: recipient, Amount: 10_000_000}
	assert.True(t, want.Matches(instructions[0]))
}

func TestDecode_V0OrdersWritableBeforeReadonly(t *testing.T) {
	static, writable, readonly, table := newKey(), newKey(), newKey(), newKey()
	data := buildWire(true,
		[]solana.PublicKey{static},
		[]wireInstruction{{program: 2, accounts: []uint8{0, 1}, data: []byte{9}}},
		[]wireLookup{{table: table, writable: []uint8{3}, readonly: []uint8{4}}},
	)

	instructions, err := Decode(&RawTransaction{
		Data:           data,
		LoadedWritable: []solana.PublicKey{writable},
		LoadedReadonly: []solana.PublicKey{readonly},
	})
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	assert.Equal(t, readonly, instructions[0].ProgramID)
	assert.Equal(t, []solana.PublicKey{static, writable}, instructions[0].Accounts)
}

func TestDecode_V0MissingLoadedAddresses(t *testing.T) {
	data := buildWire(true,
		[]solana.PublicKey{newKey(), solana.SystemProgramID},
		[]wireInstruction{{program: 1, accounts: []uint8{0, 2}, data: transferData(1)}},
		[]wireLookup{{table: newKey(), writable: []uint8{0}}},
	)

	_, err := Decode(&RawTransaction{Data: data})
	require.ErrorIs(t, err, ErrUnresolvedLookups)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	data := buildWire(true,
		[]solana.PublicKey{newKey(), solana.SystemProgramID},
		[]wireInstruction{{program: 1, accounts: []uint8{0}, data: transferData(1)}},
		nil,
	)
	data[1+signatureLength] = versionPrefix | 1

	_, err := DetectVersion(data)
	require.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = Decode(&RawTransaction{Data: data})
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode(&RawTransaction{Data: []byte{1, 0, 0}})
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestDecode_IndexOutOfRange(t *testing.T) {
	data := buildWire(false,
		[]solana.PublicKey{newKey(), newKey()},
		[]wireInstruction{{program: 5, accounts: []uint8{0, 1}, data: transferData(1)}},
		nil,
	)
	_, err := Decode(&RawTransaction{Data: data})
	require.ErrorIs(t, err, ErrMalformedTransaction)
}

func TestDecode_TransactionBuiltBySDK(t *testing.T) {
	sender, recipient := newKey(), newKey()

	ix := system.NewTransferInstruction(42_000_000, sender, recipient).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(sender))
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	data, err := tx.MarshalBinary()
	require.NoError(t, err)

	instructions, err := Decode(&RawTransaction{Data: data})
	require.NoError(t, err)

	want := ExpectedTransfer{Sender: sender, Recipient: recipient, Amount: 42_000_000}
	assert.GreaterOrEqual(t, want.FirstMatch(instructions), 0)

	wrong := ExpectedTransfer{Sender: sender, Recipient: recipient, Amount: 42_000_001}
	assert.Equal(t, -1, wrong.FirstMatch(instructions))
}
