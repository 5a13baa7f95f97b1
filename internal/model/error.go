package model

import (
	"errors"

	"github.com/mabilbao/layer-webhooks-sendgrid/pkg/address"
)

var ErrorMalformedAddress = address.ErrMalformedAddress
var ErrorSenderMismatch = errors.New("sender mismatch")
var ErrorNoMatchingRecipient = errors.New("no recipient matches the email domain")
var ErrorIdentityLookup = errors.New("identity lookup failed")
var ErrorDelivery = errors.New("delivery failed")
var ErrorMissingRecipientAddress = errors.New("recipient has no email address")
var ErrorMessageNotFound = errors.New("message not found")
var ErrorIdentityNotFound = errors.New("identity not found")
