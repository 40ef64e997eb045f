package types

// TxResultCode is the closed per-tx error taxonomy (spec §7). It is returned
// as a value, never as a panic: per-tx errors never fail a block during
// production, only during validation.
type TxResultCode int

const (
	TxSuccess TxResultCode = iota

	// Format
	TxInvalidFormat
	TxInvalidOperationType
	TxInvalidAmount
	TxInvalidPrice
	TxInvalidOfferCategory

	// Authorization
	TxBadSignature
	TxFeeBidTooLow

	// Lookup
	TxSourceAccountNexist
	TxRecipientAccountNexist
	TxCancelOfferTargetNexist

	// Sequencing
	TxSeqNumTooLow
	TxSeqNumTooHigh
	TxSeqNumTempInUse

	// Resource
	TxInsufficientBalance
	TxNewAccountAlreadyExists
	TxNewAccountTempReserved
	TxStartingBalanceTooLow
	TxInvalidPrintMoneyAmount
)

func (c TxResultCode) String() string {
	switch c {
	case TxSuccess:
		return "SUCCESS"
	case TxInvalidFormat:
		return "INVALID_TX_FORMAT"
	case TxInvalidOperationType:
		return "INVALID_OPERATION_TYPE"
	case TxInvalidAmount:
		return "INVALID_AMOUNT"
	case TxInvalidPrice:
		return "INVALID_PRICE"
	case TxInvalidOfferCategory:
		return "INVALID_OFFER_CATEGORY"
	case TxBadSignature:
		return "BAD_SIGNATURE"
	case TxFeeBidTooLow:
		return "FEE_BID_TOO_LOW"
	case TxSourceAccountNexist:
		return "SOURCE_ACCOUNT_NEXIST"
	case TxRecipientAccountNexist:
		return "RECIPIENT_ACCOUNT_NEXIST"
	case TxCancelOfferTargetNexist:
		return "CANCEL_OFFER_TARGET_NEXIST"
	case TxSeqNumTooLow:
		return "SEQ_NUM_TOO_LOW"
	case TxSeqNumTooHigh:
		return "SEQ_NUM_TOO_HIGH"
	case TxSeqNumTempInUse:
		return "SEQ_NUM_TEMP_IN_USE"
	case TxInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case TxNewAccountAlreadyExists:
		return "NEW_ACCOUNT_ALREADY_EXISTS"
	case TxNewAccountTempReserved:
		return "NEW_ACCOUNT_TEMP_RESERVED"
	case TxStartingBalanceTooLow:
		return "STARTING_BALANCE_TOO_LOW"
	case TxInvalidPrintMoneyAmount:
		return "INVALID_PRINT_MONEY_AMOUNT"
	default:
		return "UNKNOWN"
	}
}

// Retention classifies how ParallelBatchDriver (C10) should treat the
// mempool entry for a given result code (spec §4.10, §9's own warning that
// this mapping is authoritative and must be extended explicitly).
type Retention int

const (
	RetentionRemove Retention = iota
	RetentionKeep
)

// MempoolRetention is the authoritative code -> retention table. A new
// TxResultCode must be added here in the same change that introduces it.
var MempoolRetention = map[TxResultCode]Retention{
	TxSuccess:                 RetentionRemove,
	TxInvalidFormat:           RetentionRemove,
	TxInvalidOperationType:    RetentionRemove,
	TxInvalidAmount:           RetentionRemove,
	TxInvalidPrice:            RetentionRemove,
	TxInvalidOfferCategory:    RetentionRemove,
	TxBadSignature:            RetentionRemove,
	TxFeeBidTooLow:            RetentionRemove,
	TxSourceAccountNexist:     RetentionRemove,
	TxRecipientAccountNexist:  RetentionRemove,
	TxCancelOfferTargetNexist: RetentionRemove,
	TxInsufficientBalance:     RetentionRemove,
	TxNewAccountAlreadyExists: RetentionRemove,
	TxStartingBalanceTooLow:   RetentionRemove,
	TxInvalidPrintMoneyAmount: RetentionRemove,

	TxSeqNumTooHigh:          RetentionKeep,
	TxSeqNumTempInUse:        RetentionKeep,
	TxNewAccountTempReserved: RetentionKeep,

	// TOO_LOW sequence numbers can never become valid again for this
	// account, so the tx is dropped rather than retried.
	TxSeqNumTooLow: RetentionRemove,
}
