package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/psyduk/service/eligibility"
	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/brojonat/psyduk/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	defaultListLimit   = 10
	maxListLimit       = 100
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleCheckEligibility returns a handler that checks a participant's token balance.
// POST /api/v1/eligibility
func handleCheckEligibility(checker EligibilityChecker, publisher NotificationPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		participant, err := parseAddress(req.Address)
		if err != nil {
			logger.Debug("invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		res := checker.Check(r.Context(), participant)

		if publisher != nil {
			n := eligibilityNotification(participant.String(), res)
			if err := publisher.PublishNotification(r.Context(), n); err != nil {
				logger.Warn("failed to publish eligibility notification", "participant", req.Address, "error", err)
			}
		}

		resp := eligibilityResponse{
			Address: participant.String(),
			Mint:    checker.Mint().String(),
			Status:  string(res.Status),
		}
		if res.Status != eligibility.StatusUnknown {
			balance := res.Balance
			resp.Balance = &balance
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handlePurchase returns a handler that issues tickets for a payment made to the vault.
// POST /api/v1/purchases
//
// The emulated ledger does not observe the chain, so the payment is deposited
// into the vault in the same operation that records the purchase.
func handlePurchase(authority *raffle.Authority, store RaffleStore, now func() time.Time, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Buyer  string `json:"buyer"`
			Amount uint64 `json:"amount"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		buyer, err := parseAddress(req.Buyer)
		if err != nil {
			logger.Debug("invalid buyer", "buyer", req.Buyer, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		cfg := authority.Config()
		target := authority.Address()
		receipt, err := authority.RecordPayment(r.Context(), target, buyer, req.Amount)
		if err != nil {
			writeRaffleError(w, err, logger)
			return
		}

		if _, err := store.RecordPurchase(r.Context(), target, receipt); err != nil {
			logger.Error("failed to record purchase history", "buyer", req.Buyer, "error", err)
		}

		p := receipt.Purchase
		writeJSON(w, purchaseResponse{
			Buyer:     buyer.String(),
			Amount:    p.Amount,
			Tickets:   p.Tickets,
			Leftover:  p.Leftover,
			PoolShare: p.PoolShare,
			FeeShare:  p.FeeShare,
			Round:     roundToResponse(target, cfg, receipt.Round, now()),
		}, http.StatusCreated)
	})
}

// handleStartWatch returns a handler that starts watching for a payment to the vault.
// POST /api/v1/watches
func handleStartWatch(watches WatchClient, authority *raffle.Authority, timeout time.Duration, now func() time.Time, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Sender string `json:"sender"`
			Amount uint64 `json:"amount"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		sender, err := parseAddress(req.Sender)
		if err != nil {
			logger.Debug("invalid sender", "sender", req.Sender, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Amount == 0 {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}

		vault := authority.Config().Vault
		if sender.Equals(vault) {
			writeError(w, "sender must differ from the vault", http.StatusBadRequest)
			return
		}

		if timeout <= 0 {
			timeout = temporal.DefaultWatchTimeout
		}
		input := temporal.WatchPaymentInput{
			WatchID:   uuid.NewString(),
			Sender:    sender.String(),
			Recipient: vault.String(),
			Amount:    req.Amount,
			Deadline:  temporal.WatchDeadline(now(), timeout).UTC(),
			Timeout:   timeout,
		}
		if err := watches.StartWatch(r.Context(), input); err != nil {
			logger.Error("failed to start watch", "sender", req.Sender, "error", err)
			writeError(w, "failed to start watch", http.StatusInternalServerError)
			return
		}

		logger.Info("watch started", "watch_id", input.WatchID, "sender", input.Sender, "amount", input.Amount)

		invoice := paymentInvoice{
			WatchID:    input.WatchID,
			Status:     temporal.WatchRunning,
			Sender:     input.Sender,
			Recipient:  input.Recipient,
			Amount:     input.Amount,
			AmountSOL:  float64(input.Amount) / 1e9,
			ExpiresAt:  input.Deadline,
			StatusURL:  "/api/v1/watches/" + input.WatchID,
			PaymentURL: buildSolanaPayURL(input.Recipient, input.Amount),
		}
		// The QR code is a convenience; the invoice is valid without it.
		if qr, err := generateQRCode(invoice.PaymentURL); err != nil {
			logger.Warn("failed to generate QR code", "watch_id", input.WatchID, "error", err)
		} else {
			invoice.QRCodeData = qr
		}
		writeJSON(w, invoice, http.StatusAccepted)
	})
}

// handleGetWatch returns a handler that reports a watch's status.
// GET /api/v1/watches/{id}
func handleGetWatch(watches WatchClient, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, "invalid watch id", http.StatusBadRequest)
			return
		}

		status, err := watches.GetWatch(r.Context(), id)
		if err != nil {
			var notFound *serviceerror.NotFound
			if errors.As(err, &notFound) {
				writeError(w, "watch not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get watch", "watch_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, status, http.StatusOK)
	})
}

// handleGetRound returns a handler that reports the current round and time left.
// GET /api/v1/round
func handleGetRound(authority *raffle.Authority, now func() time.Time, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := authority.Address()
		round, err := authority.Round(r.Context(), target)
		if err != nil {
			writeRaffleError(w, err, logger)
			return
		}
		writeJSON(w, roundToResponse(target, authority.Config(), round, now()), http.StatusOK)
	})
}

// handleOpenRound returns a handler that opens a fresh round.
// POST /api/v1/round/open
func handleOpenRound(authority *raffle.Authority, now func() time.Time, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := authority.Address()
		round, err := authority.Open(r.Context(), target)
		if err != nil {
			writeRaffleError(w, err, logger)
			return
		}
		writeJSON(w, roundToResponse(target, authority.Config(), round, now()), http.StatusCreated)
	})
}

// handleResolveRound returns a handler that draws a winner for a due round.
// POST /api/v1/round/resolve
func handleResolveRound(authority *raffle.Authority, store RaffleStore, publisher NotificationPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := authority.Address()
		res, err := authority.Resolve(r.Context(), target)
		if err != nil {
			writeRaffleError(w, err, logger)
			return
		}

		// The payout is committed; history and announcement are best effort.
		if _, err := store.RecordWinner(r.Context(), target, res); err != nil {
			logger.Error("failed to record winner", "winner", res.Winner.String(), "error", err)
		}
		if publisher != nil {
			event := &natspkg.RoundResolvedEvent{
				Round:         target.String(),
				Winner:        res.Winner.String(),
				Payout:        res.Payout,
				Tickets:       res.Tickets,
				ResolvedAt:    time.Unix(res.ResolvedAt, 0).UTC(),
				NextStartTime: res.Next.StartTime,
				NextEndTime:   res.Next.EndTime,
			}
			if err := publisher.PublishRoundResolved(r.Context(), event); err != nil {
				logger.Error("failed to publish round result", "error", err)
			}
		}

		writeJSON(w, resolutionResponse{
			Round:         target.String(),
			Winner:        res.Winner.String(),
			TicketIndex:   res.Index,
			Payout:        res.Payout,
			Tickets:       res.Tickets,
			ResolvedAt:    res.ResolvedAt,
			NextStartTime: res.Next.StartTime,
			NextEndTime:   res.Next.EndTime,
		}, http.StatusOK)
	})
}

// handleListParticipants returns a handler that lists ticket counts in the current round.
// GET /api/v1/round/participants
func handleListParticipants(authority *raffle.Authority, store RaffleStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := authority.Address()
		counts, err := store.ParticipantTickets(r.Context(), target)
		if err != nil {
			logger.Error("failed to count tickets", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]participantResponse, len(counts))
		for i, c := range counts {
			resp[i] = participantResponse{Participant: c.Participant.String(), Tickets: c.Tickets}
		}
		writeJSON(w, map[string]interface{}{
			"round":        target.String(),
			"participants": resp,
			"count":        len(resp),
		}, http.StatusOK)
	})
}

// handleListWinners returns a handler that lists recent winners.
// GET /api/v1/winners?limit={limit}
func handleListWinners(store RaffleStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int32(defaultListLimit)
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			var parsed int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsed); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsed < 1 || parsed > maxListLimit {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(parsed)
		}

		winners, err := store.ListWinners(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list winners", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]winnerResponse, len(winners))
		for i, win := range winners {
			resp[i] = winnerResponse{
				Round:       win.RoundAddress.String(),
				Winner:      win.Winner.String(),
				Payout:      win.Payout,
				Tickets:     win.Tickets,
				TicketIndex: win.TicketIndex,
				ResolvedAt:  win.ResolvedAt,
			}
		}
		writeJSON(w, map[string]interface{}{
			"winners": resp,
			"count":   len(resp),
			"limit":   limit,
		}, http.StatusOK)
	})
}

type eligibilityResponse struct {
	Address string  `json:"address"`
	Mint    string  `json:"mint"`
	Status  string  `json:"status"`
	Balance *uint64 `json:"balance,omitempty"`
}

type roundResponse struct {
	Address         string `json:"address"`
	Jackpot         uint64 `json:"jackpot"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Tickets         int    `json:"tickets"`
	Participants    int    `json:"participants"`
	TicketPrice     uint64 `json:"ticket_price"`
	TimeLeftSeconds int64  `json:"time_left_seconds"`
	Due             bool   `json:"due"`
}

type purchaseResponse struct {
	Buyer     string        `json:"buyer"`
	Amount    uint64        `json:"amount"`
	Tickets   uint64        `json:"tickets"`
	Leftover  uint64        `json:"leftover"`
	PoolShare uint64        `json:"pool_share"`
	FeeShare  uint64        `json:"fee_share"`
	Round     roundResponse `json:"round"`
}

type resolutionResponse struct {
	Round         string `json:"round"`
	Winner        string `json:"winner"`
	TicketIndex   int    `json:"ticket_index"`
	Payout        uint64 `json:"payout"`
	Tickets       int    `json:"tickets"`
	ResolvedAt    int64  `json:"resolved_at"`
	NextStartTime int64  `json:"next_start_time"`
	NextEndTime   int64  `json:"next_end_time"`
}

type participantResponse struct {
	Participant string `json:"participant"`
	Tickets     int64  `json:"tickets"`
}

type winnerResponse struct {
	Round       string `json:"round"`
	Winner      string `json:"winner"`
	Payout      uint64 `json:"payout"`
	Tickets     int    `json:"tickets"`
	TicketIndex int    `json:"ticket_index"`
	ResolvedAt  int64  `json:"resolved_at"`
}

func roundToResponse(address solanago.PublicKey, cfg raffle.Config, r *raffle.Round, now time.Time) roundResponse {
	resp := roundResponse{
		Address:      address.String(),
		Jackpot:      r.Jackpot,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Tickets:      len(r.Tickets),
		Participants: len(r.TicketCounts()),
		TicketPrice:  cfg.TicketPrice,
		Due:          r.Due(now.Unix()),
	}
	if left := r.EndTime - now.Unix(); left > 0 {
		resp.TimeLeftSeconds = left
	}
	return resp
}

func eligibilityNotification(participant string, res eligibility.Result) *natspkg.Notification {
	n := &natspkg.Notification{Participant: participant}
	switch res.Status {
	case eligibility.StatusEligible:
		n.Kind = natspkg.KindEligible
	case eligibility.StatusIneligible:
		balance := res.Balance
		n.Kind = natspkg.KindIneligible
		n.Balance = &balance
	default:
		n.Kind = natspkg.KindEligibilityUnknown
	}
	return n
}

// raffleErrorStatus maps authority errors to HTTP status codes.
func raffleErrorStatus(err error) int {
	switch {
	case errors.Is(err, raffle.ErrInvalidAccount), errors.Is(err, raffle.ErrInvalidBuyer):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, raffle.ErrInsufficientAmount), errors.Is(err, raffle.ErrTooManyTickets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, raffle.ErrRoundStillOpen),
		errors.Is(err, raffle.ErrNoParticipants),
		errors.Is(err, raffle.ErrRoundInProgress),
		errors.Is(err, raffle.ErrAuthorizationFailure),
		errors.Is(err, raffle.ErrJackpotOverflow):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeRaffleError(w http.ResponseWriter, err error, logger *slog.Logger) {
	status := raffleErrorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("raffle operation failed", "error", err)
		writeError(w, "internal server error", status)
		return
	}
	logger.Debug("raffle operation rejected", "status", status, "error", err)
	writeError(w, err.Error(), status)
}

// decodeBody decodes a size-limited JSON body into v. It writes the error
// response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// parseAddress validates and decodes a base58 address.
func parseAddress(address string) (solanago.PublicKey, error) {
	if err := validateAddress(address); err != nil {
		return solanago.PublicKey{}, err
	}
	pk, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return solanago.PublicKey{}, errorf("invalid address: %v", err)
	}
	if pk.IsZero() {
		return solanago.PublicKey{}, errorf("invalid address: zero key")
	}
	return pk, nil
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
