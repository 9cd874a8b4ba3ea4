package indexer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"volumeflex/internal/model"
)

func buildRawLog(log types.Log, match model.MatchKind) model.RawLog {
	topics := make([]common.Hash, len(log.Topics))
	copy(topics, log.Topics)
	data := make([]byte, len(log.Data))
	copy(data, log.Data)

	return model.RawLog{
		Pool:        log.Address,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Topics:      topics,
		Data:        data,
		Match:       match,
	}
}
