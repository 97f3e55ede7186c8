package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"payment-service/internal/models"
)

// PaymentSettings returns every row under the payment.* prefix. Keys are
// hierarchical: payment.<gateway>.<facet>, e.g. payment.paypal.client_id.
func (s *Store) PaymentSettings(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	err := s.db.SelectContext(ctx, &settings,
		"SELECT setting_key, setting_value FROM settings WHERE setting_key LIKE 'payment.%' ORDER BY setting_key")
	return settings, err
}

// PaymentMethods returns the configured payment-method list, stored as a
// JSON array under the flat payment_methods key. A missing row means no
// methods are offered.
func (s *Store) PaymentMethods(ctx context.Context) ([]models.PaymentMethod, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		"SELECT setting_value FROM settings WHERE setting_key = 'payment_methods'")
	if errors.Is(err, sql.ErrNoRows) {
		return []models.PaymentMethod{}, nil
	}
	if err != nil {
		return nil, err
	}

	var methods []models.PaymentMethod
	if err := json.Unmarshal([]byte(raw), &methods); err != nil {
		return nil, fmt.Errorf("payment_methods setting is not valid JSON: %w", err)
	}
	return methods, nil
}
