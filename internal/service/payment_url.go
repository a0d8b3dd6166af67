package service

import (
	"context"
	"database/sql"
	"errors"
	"regexp"

	"github.com/uzpay/gateway-service/internal/gateway"
	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
)

var orderIDPattern = regexp.MustCompile(`^[\w-]+$`)

// Amount bounds in tiyin: 1 000 UZS minimum, 100 000 000 UZS maximum.
const (
	minAmountTiyin = 1_000 * models.TiyinPerSum
	maxAmountTiyin = 100_000_000 * models.TiyinPerSum
)

// PaymentURLRequest describes a checkout-URL request for one order.
// AmountTiyin is in the currency's smallest unit.
type PaymentURLRequest struct {
	OrderID          string
	GatewayName      string
	AmountTiyin      int64
	Currency         string
	Description      string
	ReferenceDoctype string
	ReferenceDocname string
	RedirectURL      string
	NotificationURL  string
	PayerName        string
	PayerEmail       string
}

// GetPaymentURL validates the request, reuses the checkout URL of an
// existing non-terminal intent for the same order, and otherwise
// creates a new checkout session with the gateway.
func (p *Processor) GetPaymentURL(ctx context.Context, req *PaymentURLRequest) (string, error) {
	gw, ok := p.registry.Get(req.GatewayName)
	if !ok {
		return "", payerr.Newf(payerr.CodeUnknownGateway, "unknown gateway %q", req.GatewayName)
	}

	if err := validateOrderID(req.OrderID); err != nil {
		return "", err
	}
	if req.Currency != gw.SupportedCurrency() {
		return "", payerr.Newf(payerr.CodeInvalidCurrency,
			"%s only supports %s", gw.Name(), gw.SupportedCurrency())
	}
	if err := validateAmount(req.AmountTiyin); err != nil {
		return "", err
	}

	existing, err := p.repo.GetIntent(ctx, req.OrderID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if existing != nil {
		if existing.Status.Terminal() {
			return "", payerr.Newf(payerr.CodeInvalidStateChange,
				"order %s already has a %s payment", req.OrderID, existing.Status)
		}
		if existing.PaymentURL != "" {
			return existing.PaymentURL, nil
		}
	}

	cred, err := p.creds.Get(ctx, gw.Name())
	if err != nil {
		return "", err
	}

	checkout, err := gw.BuildPaymentURL(ctx, &gateway.PaymentRequest{
		OrderID:          req.OrderID,
		AmountTiyin:      req.AmountTiyin,
		Description:      req.Description,
		ReferenceDoctype: req.ReferenceDoctype,
		ReferenceDocname: req.ReferenceDocname,
		RedirectURL:      req.RedirectURL,
		PayerName:        req.PayerName,
		PayerEmail:       req.PayerEmail,
	}, cred)
	if err != nil {
		return "", err
	}

	// An open intent without a checkout URL is refreshed in place.
	if existing != nil {
		if err := p.repo.UpdatePaymentURL(ctx, req.OrderID, checkout.PaymentURL); err != nil {
			return "", err
		}
		if checkout.GatewayTxnID != "" {
			if err := p.repo.UpdateGatewayTxn(ctx, req.OrderID, checkout.GatewayTxnID); err != nil {
				return "", err
			}
		}
		return checkout.PaymentURL, nil
	}

	intent := &models.PaymentIntent{
		OrderID:          req.OrderID,
		GatewayName:      gw.Name(),
		AmountTiyin:      req.AmountTiyin,
		Currency:         req.Currency,
		ReferenceDoctype: req.ReferenceDoctype,
		ReferenceDocname: req.ReferenceDocname,
		Status:           models.StatusCreated,
		GatewayTxnID:     checkout.GatewayTxnID,
		PaymentURL:       checkout.PaymentURL,
		RedirectURL:      req.RedirectURL,
		NotificationURL:  req.NotificationURL,
	}
	if err := p.repo.InsertIntent(ctx, intent); err != nil {
		return "", err
	}

	return checkout.PaymentURL, nil
}

func validateOrderID(orderID string) error {
	if orderID == "" {
		return payerr.New(payerr.CodeUnknownOrder, "order id is required")
	}
	if len(orderID) > 100 {
		return payerr.New(payerr.CodeUnknownOrder, "order id must be at most 100 characters")
	}
	if !orderIDPattern.MatchString(orderID) {
		return payerr.New(payerr.CodeUnknownOrder,
			"order id may only contain alphanumerics, hyphens and underscores")
	}
	return nil
}

func validateAmount(amountTiyin int64) error {
	if amountTiyin <= 0 {
		return payerr.New(payerr.CodeInvalidAmount, "amount must be positive")
	}
	if amountTiyin < minAmountTiyin {
		return payerr.Newf(payerr.CodeInvalidAmount, "amount must be at least %d tiyin", int64(minAmountTiyin))
	}
	if amountTiyin > maxAmountTiyin {
		return payerr.Newf(payerr.CodeInvalidAmount, "amount must not exceed %d tiyin", int64(maxAmountTiyin))
	}
	return nil
}
