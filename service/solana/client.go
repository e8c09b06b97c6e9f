package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/psyduk/service/metrics"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetTokenAccountsByOwner(
		ctx context.Context,
		owner solana.PublicKey,
		conf *rpc.GetTokenAccountsConfig,
		opts *rpc.GetTokenAccountsOpts,
	) (*rpc.GetTokenAccountsResult, error)
}

// DefaultSignatureLimit is the page size used when listing an address's history.
// The node caps a page at 1000 signatures.
const DefaultSignatureLimit = 1000

// DefaultSignaturePages bounds how many pages one listing reads.
const DefaultSignaturePages = 5

// tokenAmountOffset is where the u64 amount sits in an SPL token account.
const tokenAmountOffset = 64

// Client provides the ledger reads the raffle needs.
// Each call is a single attempt; callers own retry policy.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	limit    int
	pages    int
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
		limit:    DefaultSignatureLimit,
		pages:    DefaultSignaturePages,
	}
}

// ListTransactionIDs returns the most recent transaction signatures that touch
// address, newest first. Pages are followed backwards with Before until a short
// page comes back or the page bound is reached.
func (c *Client) ListTransactionIDs(ctx context.Context, address solana.PublicKey) ([]solana.Signature, error) {
	limit := c.limit
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit: &limit,
	}

	out := []solana.Signature{}
	for page := 0; page < c.pages; page++ {
		start := time.Now()
		sigs, err := c.rpc.GetSignaturesForAddress(ctx, address, opts)
		c.record(ctx, "GetSignaturesForAddress", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to list signatures for %s: %w", address, err)
		}
		if c.metrics != nil {
			c.metrics.RecordRPCSignaturesPerCall(c.endpoint, float64(len(sigs)))
		}

		var last solana.Signature
		for _, s := range sigs {
			if s == nil {
				continue
			}
			out = append(out, s.Signature)
			last = s.Signature
		}
		if len(sigs) < limit || last.IsZero() {
			break
		}
		// Each call keeps its own cursor.
		next := *opts
		next.Before = last
		opts = &next
	}

	c.logger.DebugContext(ctx, "listed transaction signatures",
		"address", address.String(),
		"count", len(out),
	)
	return out, nil
}

// GetTransaction fetches one transaction in binary form.
// It returns ErrTransactionNotFound when the node has no record of it yet.
func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature) (*RawTransaction, error) {
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}

	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, sig, opts)
	c.record(ctx, "GetTransaction", start, err)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig)
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig)
	}

	data := result.Transaction.GetBinary()
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s was not returned in binary form", ErrUnsupportedEncoding, sig)
	}

	raw := &RawTransaction{
		Signature: sig,
		Slot:      result.Slot,
		Data:      data,
	}
	if result.BlockTime != nil {
		raw.BlockTime = result.BlockTime.Time()
	}
	if result.Meta != nil {
		raw.LoadedWritable = result.Meta.LoadedAddresses.Writable
		raw.LoadedReadonly = result.Meta.LoadedAddresses.ReadOnly
		raw.Failed = result.Meta.Err != nil
	}
	return raw, nil
}

// TokenBalance returns the owner's balance of mint, read from the first token
// account that decodes. An owner with no token accounts has a balance of zero.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	conf := &rpc.GetTokenAccountsConfig{Mint: &mint}
	opts := &rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64}

	start := time.Now()
	out, err := c.rpc.GetTokenAccountsByOwner(ctx, owner, conf, opts)
	c.record(ctx, "GetTokenAccountsByOwner", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to get token accounts for %s: %w", owner, err)
	}
	if out == nil {
		return 0, nil
	}

	for _, acct := range out.Value {
		if acct == nil || acct.Account.Data == nil {
			continue
		}
		amount, ok := tokenAmount(acct.Account.Data.GetBinary())
		if ok {
			return amount, nil
		}
	}
	return 0, nil
}

// tokenAmount reads the amount field of an SPL token account.
func tokenAmount(data []byte) (uint64, bool) {
	if len(data) < tokenAmountOffset+8 {
		return 0, false
	}
	amount, err := bin.NewBinDecoder(data[tokenAmountOffset : tokenAmountOffset+8]).ReadUint64(bin.LE)
	if err != nil {
		return 0, false
	}
	return amount, true
}

func (c *Client) record(ctx context.Context, method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if strings.Contains(err.Error(), "429") {
			c.logger.WarnContext(ctx, "rate limited by RPC endpoint", "method", method)
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
	}
}
