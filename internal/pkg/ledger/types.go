package ledger

import "errors"

// ErrInsufficientBalance is the expected business outcome of a consume that
// would push an account below zero. It is never retried automatically.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrInvalidAmount guards against zero or wrongly-signed amounts reaching the
// ledger; a transaction row with the wrong sign would corrupt every balance
// derived after it.
var ErrInvalidAmount = errors.New("invalid transaction amount")
