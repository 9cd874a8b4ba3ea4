package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MatchKind records which log query surfaced a RawLog.
type MatchKind string

const (
	MatchSender    MatchKind = "sender"
	MatchRecipient MatchKind = "recipient"
	MatchBroad     MatchKind = "broad"
)

// RawLog is a swap log as returned by the chain, before decoding.
type RawLog struct {
	Pool        common.Address `json:"pool"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Topics      []common.Hash  `json:"topics"`
	Data        []byte         `json:"data"`
	Match       MatchKind      `json:"match"`
}

// LogKey identifies a log across queries and runs.
type LogKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// Key returns the dedup key of the log.
func (l RawLog) Key() LogKey {
	return LogKey{TxHash: l.TxHash, LogIndex: l.LogIndex}
}

// AddressFiltered reports whether the log was found by a wallet-topic query.
func (l RawLog) AddressFiltered() bool {
	return l.Match == MatchSender || l.Match == MatchRecipient
}

// TradeID derives the persisted trade identifier from the dedup key.
func (k LogKey) TradeID() string {
	return fmt.Sprintf("uni_%s_%d", strings.ToLower(k.TxHash.Hex()), k.LogIndex)
}
