package core

import (
	"net/mail"
	"strings"
)

// AddressKind tags a recipient address submitted by a client.
type AddressKind int

const (
	AddressUnknown AddressKind = iota
	AddressEmail
	AddressSMS
	AddressUserRef
)

func (k AddressKind) String() string {
	switch k {
	case AddressEmail:
		return "email"
	case AddressSMS:
		return "sms"
	case AddressUserRef:
		return "user"
	default:
		return "unknown"
	}
}

func (k AddressKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// RecipientAddress is the tagged variant accepted at the authoring boundary.
// Only AddressEmail is ever delivered; the other kinds are reported back to
// the caller as unsupported.
type RecipientAddress struct {
	Kind  AddressKind `json:"kind"`
	Value string      `json:"value"`
}

// RawRecipient mirrors the JSON object clients send for each recipient.
type RawRecipient struct {
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// ParseRecipientAddress classifies raw. Exactly one field must be set; an
// email must parse as a bare address.
func ParseRecipientAddress(raw RawRecipient) RecipientAddress {
	email := strings.TrimSpace(raw.Email)
	phone := strings.TrimSpace(raw.Phone)
	user := strings.TrimSpace(raw.UserID)

	set := 0
	for _, v := range []string{email, phone, user} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return RecipientAddress{Kind: AddressUnknown, Value: strings.Join(nonEmpty(email, phone, user), ",")}
	}

	switch {
	case email != "":
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return RecipientAddress{Kind: AddressUnknown, Value: email}
		}
		return RecipientAddress{Kind: AddressEmail, Value: email}
	case phone != "":
		return RecipientAddress{Kind: AddressSMS, Value: phone}
	default:
		return RecipientAddress{Kind: AddressUserRef, Value: user}
	}
}

// SplitAddresses returns the deliverable email addresses and everything else.
func SplitAddresses(raws []RawRecipient) (emails []string, unsupported []RecipientAddress) {
	for _, raw := range raws {
		addr := ParseRecipientAddress(raw)
		if addr.Kind == AddressEmail {
			emails = append(emails, addr.Value)
			continue
		}
		unsupported = append(unsupported, addr)
	}
	return emails, unsupported
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
