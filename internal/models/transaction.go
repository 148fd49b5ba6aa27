package models

import "errors"

type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

func (t TransactionType) Valid() bool {
	return t == TransactionTypeIncome || t == TransactionTypeExpense
}

// ErrValidation marks user input that is rejected before it reaches the engine.
var ErrValidation = errors.New("validation failed")
