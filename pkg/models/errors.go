package models

import (
	"errors"
	"fmt"
)

// ErrorKind groups domain errors by how a caller should react to them.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindNotFound               ErrorKind = "not_found"
	KindConflict               ErrorKind = "conflict"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	KindStorage                ErrorKind = "storage"
)

// DomainError represents a domain-level error
type DomainError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

func NewDomainError(kind ErrorKind, code, message string) *DomainError {
	return &DomainError{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAmount          = NewDomainError(KindValidation, "INVALID_AMOUNT", "amount must be greater than zero")
	ErrInvalidTerms           = NewDomainError(KindValidation, "INVALID_TERMS", "invalid credit terms")
	ErrInvalidSale            = NewDomainError(KindValidation, "INVALID_SALE", "sale requires a client and a known sale type")
	ErrCreditNotFound         = NewDomainError(KindNotFound, "CREDIT_NOT_FOUND", "credit not found")
	ErrSaleNotFound           = NewDomainError(KindNotFound, "SALE_NOT_FOUND", "sale not found")
	ErrInstallmentNotFound    = NewDomainError(KindNotFound, "INSTALLMENT_NOT_FOUND", "installment not found")
	ErrAlreadyCompleted       = NewDomainError(KindConflict, "ALREADY_COMPLETED", "all installments are already paid")
	ErrActiveCreditExists     = NewDomainError(KindConflict, "ACTIVE_CREDIT_EXISTS", "client already has an active credit")
	ErrConcurrentModification = NewDomainError(KindConcurrentModification, "CONCURRENT_MODIFICATION", "resource was modified by another operation")
	ErrStorage                = NewDomainError(KindStorage, "STORAGE_ERROR", "storage failure")
)

// StorageError wraps a failure from the storage layer. It matches ErrStorage
// with errors.Is and unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// KindOf classifies err. Unknown errors are treated as storage failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StorageError
	if errors.As(err, &se) {
		return KindStorage
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindStorage
}
