package linuxboot

import "errors"

var (
	errNoE820          = errors.New("linuxboot: e820 map must contain at least one entry")
	errTooManyE820     = errors.New("linuxboot: too many e820 entries")
	errHeaderTooLarge  = errors.New("linuxboot: setup header larger than zero page space")
	errLoadAddrTooHigh = errors.New("linuxboot: load address exceeds 32-bit range")
	errCmdlineTooLong  = errors.New("linuxboot: command line exceeds kernel limit")
)
