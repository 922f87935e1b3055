package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// PaymentMethodKind tags the PaymentMethod variant.
type PaymentMethodKind string

const (
	PaymentMethodPhone       PaymentMethodKind = "phone"
	PaymentMethodTillNumber  PaymentMethodKind = "till"
	PaymentMethodPaybill     PaymentMethodKind = "paybill"
	PaymentMethodBankAccount PaymentMethodKind = "bank_account"
)

var (
	phonePattern       = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
	shortCodePattern   = regexp.MustCompile(`^[0-9]{5,8}$`)
	bankAccountPattern = regexp.MustCompile(`^[0-9A-Za-z]{6,20}$`)
)

// PaymentMethod describes where the recipient is paid. Only the fields that belong
// to Kind are meaningful:
//   - phone: Phone
//   - till: TillNumber
//   - paybill: PaybillNumber, AccountNumber
//   - bank_account: AccountNumber, BankCode, AccountName
type PaymentMethod struct {
	Kind          PaymentMethodKind `json:"kind"`
	Phone         string            `json:"phone,omitempty"`
	TillNumber    string            `json:"till_number,omitempty"`
	PaybillNumber string            `json:"paybill_number,omitempty"`
	AccountNumber string            `json:"account_number,omitempty"`
	BankCode      string            `json:"bank_code,omitempty"`
	AccountName   string            `json:"account_name,omitempty"`
}

// Normalize trims every field and lowercases the kind.
func (m PaymentMethod) Normalize() PaymentMethod {
	return PaymentMethod{
		Kind:          PaymentMethodKind(strings.ToLower(strings.TrimSpace(string(m.Kind)))),
		Phone:         strings.ReplaceAll(strings.TrimSpace(m.Phone), " ", ""),
		TillNumber:    strings.TrimSpace(m.TillNumber),
		PaybillNumber: strings.TrimSpace(m.PaybillNumber),
		AccountNumber: strings.TrimSpace(m.AccountNumber),
		BankCode:      strings.TrimSpace(m.BankCode),
		AccountName:   strings.TrimSpace(m.AccountName),
	}
}

// Validate checks that the fields required by the variant are present and well formed.
func (m PaymentMethod) Validate() error {
	switch m.Kind {
	case PaymentMethodPhone:
		if !phonePattern.MatchString(m.Phone) {
			return fmt.Errorf("%w: phone number is invalid", ErrInvalidPaymentMethod)
		}
	case PaymentMethodTillNumber:
		if !shortCodePattern.MatchString(m.TillNumber) {
			return fmt.Errorf("%w: till number is invalid", ErrInvalidPaymentMethod)
		}
	case PaymentMethodPaybill:
		if !shortCodePattern.MatchString(m.PaybillNumber) {
			return fmt.Errorf("%w: paybill number is invalid", ErrInvalidPaymentMethod)
		}
		if m.AccountNumber == "" {
			return fmt.Errorf("%w: paybill account number is required", ErrInvalidPaymentMethod)
		}
	case PaymentMethodBankAccount:
		if !bankAccountPattern.MatchString(m.AccountNumber) {
			return fmt.Errorf("%w: bank account number is invalid", ErrInvalidPaymentMethod)
		}
		if m.BankCode == "" {
			return fmt.Errorf("%w: bank code is required", ErrInvalidPaymentMethod)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, m.Kind)
	}
	return nil
}

// Destination returns the primary recipient identifier for logs and receipts.
func (m PaymentMethod) Destination() string {
	switch m.Kind {
	case PaymentMethodPhone:
		return m.Phone
	case PaymentMethodTillNumber:
		return m.TillNumber
	case PaymentMethodPaybill:
		return m.PaybillNumber + "#" + m.AccountNumber
	case PaymentMethodBankAccount:
		return m.BankCode + ":" + m.AccountNumber
	default:
		return ""
	}
}

// Masked returns Destination with all but the last four characters hidden.
func (m PaymentMethod) Masked() string {
	dest := m.Destination()
	if len(dest) <= 4 {
		return dest
	}
	return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
}
