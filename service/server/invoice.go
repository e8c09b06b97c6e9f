package server

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/skip2/go-qrcode"
)

// paymentInvoice tells a participant how to pay for tickets while a watch looks
// for the transfer.
type paymentInvoice struct {
	WatchID    string    `json:"watch_id"`
	Status     string    `json:"status"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Amount     uint64    `json:"amount"`
	AmountSOL  float64   `json:"amount_sol"`
	ExpiresAt  time.Time `json:"expires_at"`
	StatusURL  string    `json:"status_url"`
	PaymentURL string    `json:"payment_url"`
	QRCodeData string    `json:"qr_code_data,omitempty"` // base64 PNG
}

// buildSolanaPayURL creates a Solana Pay transfer request URL.
// Format: solana:{recipient}?amount={sol}&label={label}&message={message}
func buildSolanaPayURL(recipient string, lamports uint64) string {
	params := url.Values{}
	params.Set("amount", fmt.Sprintf("%.9f", float64(lamports)/1e9))
	params.Set("label", "Psyduk Raffle")
	params.Set("message", "Raffle ticket purchase")
	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode renders data as a 256x256 PNG QR code, base64 encoded.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
